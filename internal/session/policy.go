package session

import (
	"fmt"
	"regexp"
	"time"

	"shellmux/internal/config"
)

// Policy is the pluggable set of completion heuristics the executor
// consults: how an idle-shell prompt line looks, which command texts
// are known to finish without the prompt reappearing promptly, and the
// timer windows for the remaining detectors. It can be swapped at
// runtime (config hot reload) without touching in-flight commands.
type Policy struct {
	prompt *regexp.Regexp
	early  []*regexp.Regexp

	EarlyGrace      time.Duration
	InactivityQuiet time.Duration
	InactivityPoll  time.Duration
	HardTimeout     time.Duration
}

// NewPolicy compiles a policy from configuration.
func NewPolicy(cfg config.CompletionConfig) (*Policy, error) {
	prompt, err := regexp.Compile(cfg.PromptPattern)
	if err != nil {
		return nil, fmt.Errorf("prompt pattern: %w", err)
	}

	early := make([]*regexp.Regexp, 0, len(cfg.EarlyPatterns))
	for _, p := range cfg.EarlyPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("early pattern %q: %w", p, err)
		}
		early = append(early, re)
	}

	return &Policy{
		prompt:          prompt,
		early:           early,
		EarlyGrace:      cfg.EarlyGrace.Std(),
		InactivityQuiet: cfg.InactivityQuiet.Std(),
		InactivityPoll:  cfg.InactivityPoll.Std(),
		HardTimeout:     cfg.HardTimeout.Std(),
	}, nil
}

// IsPrompt reports whether a line signals the remote shell is idle.
func (p *Policy) IsPrompt(line string) bool {
	return p.prompt.MatchString(line)
}

// IsEarly reports whether a command text matches the set of slow,
// prompt-unreliable commands whose completion is inferred from content.
func (p *Policy) IsEarly(text string) bool {
	for _, re := range p.early {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
