// Package langpolicy decides which language a conversation is held in and
// which provider models serve it.
//
// The initial language comes from participant metadata when present,
// otherwise from the first STT language detection at or above the confidence
// threshold, otherwise the server default. Once locked, the language changes
// only via an explicit state update or a detected change sustained over three
// consecutive utterances, which keeps one mis-detected utterance from
// flipping the whole conversation.
//
// Languages on the configured denylist are never selected, regardless of
// detection confidence or metadata. A separate per-language model denylist
// keeps models known to perform badly for a language out of its selection:
// a table entry naming a denied model falls through to the multilingual
// fallback instead.
package langpolicy

import (
	"fmt"
	"log/slog"
	"strings"
)

// Defaults for confidence gating and switch hysteresis.
const (
	DefaultMinConfidence   = 0.8
	DefaultSwitchThreshold = 3
)

// ModelSelection maps a language to the provider models that serve it.
type ModelSelection struct {
	// STTModel is the speech-to-text model identifier.
	STTModel string

	// TTSVoice is the text-to-speech voice identifier.
	TTSVoice string

	// LLMModel optionally overrides the chat model for this language.
	LLMModel string
}

// Lock is the per-participant language lock state. It lives inside the
// session state; the policy itself is stateless and shared.
type Lock struct {
	// Language is the current conversation language (ISO-639-1).
	Language string

	// Locked is false until metadata or a confident first detection has
	// pinned the language; while unlocked, the first confident detection
	// wins without hysteresis.
	Locked bool

	// StreakLanguage is the candidate the switch streak is counting for.
	StreakLanguage string

	// Streak is the number of consecutive confident detections of
	// StreakLanguage.
	Streak int
}

// Config configures a [Policy].
type Config struct {
	// Default is the server default language. Required.
	Default string

	// Denylist contains languages that must never be selected.
	Denylist []string

	// MinConfidence gates detections. Default: 0.8.
	MinConfidence float64

	// SwitchThreshold is the number of consecutive confident detections
	// needed to switch a locked language. Default: 3.
	SwitchThreshold int

	// Table maps language codes to model selections.
	Table map[string]ModelSelection

	// ModelDenylist maps a language code to model and voice identifiers that
	// must not serve it. A Table entry naming a denied identifier falls
	// through to Fallback for that language.
	ModelDenylist map[string][]string

	// Fallback is the multilingual selection used for languages absent from
	// Table. Required so that every locked language resolves to models.
	Fallback ModelSelection
}

// Policy is the shared, immutable language policy. Safe for concurrent use.
type Policy struct {
	defaultLang     string
	denylist        map[string]struct{}
	minConfidence   float64
	switchThreshold int
	table           map[string]ModelSelection
	modelDeny       map[string]map[string]struct{}
	fallback        ModelSelection
}

// New validates cfg and builds a [Policy].
func New(cfg Config) (*Policy, error) {
	if cfg.Default == "" {
		return nil, fmt.Errorf("langpolicy: default language is required")
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.SwitchThreshold <= 0 {
		cfg.SwitchThreshold = DefaultSwitchThreshold
	}

	deny := make(map[string]struct{}, len(cfg.Denylist))
	for _, l := range cfg.Denylist {
		deny[strings.ToLower(l)] = struct{}{}
	}
	if _, bad := deny[strings.ToLower(cfg.Default)]; bad {
		return nil, fmt.Errorf("langpolicy: default language %q is denylisted", cfg.Default)
	}

	table := make(map[string]ModelSelection, len(cfg.Table))
	for lang, sel := range cfg.Table {
		table[strings.ToLower(lang)] = sel
	}

	modelDeny := make(map[string]map[string]struct{}, len(cfg.ModelDenylist))
	for lang, ids := range cfg.ModelDenylist {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		modelDeny[strings.ToLower(lang)] = set
	}

	return &Policy{
		defaultLang:     strings.ToLower(cfg.Default),
		denylist:        deny,
		minConfidence:   cfg.MinConfidence,
		switchThreshold: cfg.SwitchThreshold,
		table:           table,
		modelDeny:       modelDeny,
		fallback:        cfg.Fallback,
	}, nil
}

// Allowed reports whether lang may be selected.
func (p *Policy) Allowed(lang string) bool {
	if lang == "" {
		return false
	}
	_, bad := p.denylist[strings.ToLower(lang)]
	return !bad
}

// Default returns the server default language.
func (p *Policy) Default() string { return p.defaultLang }

// InitialLock computes the language lock for a joining participant.
// Non-empty, allowed metadata locks immediately; otherwise the lock starts at
// the server default and stays open for the first confident detection.
func (p *Policy) InitialLock(metadata string) Lock {
	lang := strings.ToLower(strings.TrimSpace(metadata))
	if lang != "" && p.Allowed(lang) {
		return Lock{Language: lang, Locked: true}
	}
	if lang != "" {
		slog.Warn("join metadata language rejected, using server default",
			"requested", lang, "default", p.defaultLang)
	}
	return Lock{Language: p.defaultLang, Locked: false}
}

// ObserveDetection folds one STT language detection into the lock.
//
// While unlocked, a single detection at or above the confidence threshold
// locks the language (low-confidence detections pin the server default
// instead). While locked, a switch requires the threshold number of
// consecutive confident detections of the same new language.
func (p *Policy) ObserveDetection(l Lock, detected string, confidence float64) Lock {
	detected = strings.ToLower(strings.TrimSpace(detected))

	if detected == "" || confidence < p.minConfidence {
		// Inconclusive utterance breaks any running streak. An unlocked lock
		// pins to the server default: detection had its chance.
		l.Streak = 0
		l.StreakLanguage = ""
		if !l.Locked {
			l.Language = p.defaultLang
			l.Locked = true
		}
		return l
	}

	if !l.Locked {
		if p.Allowed(detected) {
			l.Language = detected
		} else {
			slog.Warn("detected language denylisted, locking server default",
				"detected", detected, "default", p.defaultLang)
			l.Language = p.defaultLang
		}
		l.Locked = true
		return l
	}

	if detected == l.Language {
		l.Streak = 0
		l.StreakLanguage = ""
		return l
	}

	// Confident detection of a different language: count the streak.
	if detected == l.StreakLanguage {
		l.Streak++
	} else {
		l.StreakLanguage = detected
		l.Streak = 1
	}

	if l.Streak >= p.switchThreshold {
		if p.Allowed(detected) {
			slog.Info("language switched after sustained detection",
				"from", l.Language, "to", detected, "streak", l.Streak)
			l.Language = detected
		} else {
			slog.Warn("sustained detection of denylisted language ignored",
				"detected", detected, "current", l.Language)
		}
		l.Streak = 0
		l.StreakLanguage = ""
	}
	return l
}

// ExplicitSet applies a state_update language change. Invalid or denylisted
// values are coerced to the current language and reported as an error so the
// caller can log the policy violation.
func (p *Policy) ExplicitSet(l Lock, lang string) (Lock, error) {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if len(lang) != 2 {
		return l, fmt.Errorf("langpolicy: invalid language code %q", lang)
	}
	if !p.Allowed(lang) {
		return l, fmt.Errorf("langpolicy: language %q is denylisted", lang)
	}
	l.Language = lang
	l.Locked = true
	l.Streak = 0
	l.StreakLanguage = ""
	return l, nil
}

// Selection resolves the model selection for lang, falling back to the
// multilingual entry for languages absent from the table or whose entry
// names a model denylisted for that language.
func (p *Policy) Selection(lang string) ModelSelection {
	lang = strings.ToLower(lang)
	if sel, ok := p.table[lang]; ok {
		if !p.modelDenied(lang, sel) {
			return sel
		}
		slog.Warn("per-language selection carries a denylisted model, using multilingual fallback",
			"language", lang)
	}
	return p.fallback
}

// modelDenied reports whether sel names any model or voice on the language's
// model denylist.
func (p *Policy) modelDenied(lang string, sel ModelSelection) bool {
	denied := p.modelDeny[lang]
	if len(denied) == 0 {
		return false
	}
	for _, id := range []string{sel.STTModel, sel.TTSVoice, sel.LLMModel} {
		if id == "" {
			continue
		}
		if _, bad := denied[id]; bad {
			return true
		}
	}
	return false
}
