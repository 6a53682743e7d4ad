package policy

import (
	"fmt"
	"sort"
	"time"

	"github.com/gobwas/glob"

	"github.com/boxlite-ai/claudebox/internal/config"
	"github.com/boxlite-ai/claudebox/internal/errors"
)

// builtinDeniedPatterns are host paths no policy may ever grant access to,
// regardless of template or overrides. Widening into this set always fails.
var builtinDeniedPatterns = []string{
	"/etc/shadow",
	"/etc/sudoers",
	"/etc/sudoers.d/**",
	"**/.ssh/**",
	"**/.gnupg/**",
	"**/.aws/credentials",
	"**/.config/gcloud/**",
	"**/.claude/.credentials.json",
}

// Engine holds the template and skill registries plus the host limits, and
// resolves effective policies. Registration happens at construction time;
// Resolve is safe for concurrent use afterwards.
type Engine struct {
	limits    config.Limits
	templates map[string]Template
	skills    map[string]Skill
	denied    []glob.Glob
}

// NewEngine creates an Engine with the built-in default template registered.
// Compiling the built-in denied set cannot fail; the patterns are constants.
func NewEngine(limits config.Limits) *Engine {
	e := &Engine{
		limits:    limits,
		templates: make(map[string]Template),
		skills:    make(map[string]Skill),
	}
	for _, pattern := range builtinDeniedPatterns {
		e.denied = append(e.denied, glob.MustCompile(pattern, '/'))
	}
	e.RegisterTemplate(Template{
		Name:        "default",
		Image:       config.DefaultImage,
		Description: "general-purpose coding sandbox",
	})
	return e
}

// RegisterTemplate adds or replaces a template in the registry.
func (e *Engine) RegisterTemplate(t Template) {
	e.templates[t.Name] = t
}

// RegisterSkill adds or replaces a skill in the registry.
func (e *Engine) RegisterSkill(s Skill) {
	e.skills[s.Name] = s
}

// Template looks up a registered template.
func (e *Engine) Template(name string) (Template, error) {
	t, ok := e.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", errors.ErrUnknownTemplate, name)
	}
	return t, nil
}

// Skill looks up a registered skill.
func (e *Engine) Skill(name string) (Skill, error) {
	s, ok := e.skills[name]
	if !ok {
		return Skill{}, fmt.Errorf("%w: %q", errors.ErrUnknownSkill, name)
	}
	return s, nil
}

// Templates returns all registered templates sorted by name.
func (e *Engine) Templates() []Template {
	out := make([]Template, 0, len(e.templates))
	for _, t := range e.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve produces the effective policy for a template, skill set, and
// caller overrides. Unknown identifiers and validation failures are errors;
// no partially-valid policy is ever returned.
func (e *Engine) Resolve(template string, skills []string, overrides *Overrides) (*Policy, error) {
	tmpl, err := e.Template(template)
	if err != nil {
		return nil, err
	}

	p := e.defaultPolicy()
	p.Template = tmpl.Name
	p.Image = tmpl.Image

	applyTemplate(p, tmpl)

	for _, name := range skills {
		skill, err := e.Skill(name)
		if err != nil {
			return nil, err
		}
		p.Skills = append(p.Skills, skill.Name)
		for k, v := range skill.Env {
			p.Env[k] = v
		}
	}

	if overrides != nil {
		applyOverrides(p, overrides)
	}

	if violations := e.validate(p); len(violations) > 0 {
		return nil, &errors.PolicyError{Violations: violations}
	}
	return p.clone(), nil
}

// defaultPolicy is the built-in safe baseline every resolution starts from.
func (e *Engine) defaultPolicy() *Policy {
	return &Policy{
		Resources: Resources{
			CPUs:        2,
			MemoryMiB:   4096,
			DiskGB:      8,
			TaskTimeout: 10 * time.Minute,
		},
		FSScope: FSScope{
			Denied: append([]string(nil), builtinDeniedPatterns...),
		},
		Network: Network{DenyAll: false},
		Env:     make(map[string]string),
	}
}

func applyTemplate(p *Policy, t Template) {
	if t.CPUs > 0 {
		p.Resources.CPUs = t.CPUs
	}
	if t.MemoryMiB > 0 {
		p.Resources.MemoryMiB = t.MemoryMiB
	}
	if t.DiskGB > 0 {
		p.Resources.DiskGB = t.DiskGB
	}
	if t.TaskTimeout > 0 {
		p.Resources.TaskTimeout = t.TaskTimeout
	}
	p.FSScope.ReadOnly = append(p.FSScope.ReadOnly, t.ExtraReadOnly...)
	if t.Network != nil {
		p.Network = *t.Network
	}
	for k, v := range t.Env {
		p.Env[k] = v
	}
}

func applyOverrides(p *Policy, o *Overrides) {
	if o.CPUs != nil {
		p.Resources.CPUs = *o.CPUs
	}
	if o.MemoryMiB != nil {
		p.Resources.MemoryMiB = *o.MemoryMiB
	}
	if o.DiskGB != nil {
		p.Resources.DiskGB = *o.DiskGB
	}
	if o.TaskTimeout != nil {
		p.Resources.TaskTimeout = *o.TaskTimeout
	}
	p.FSScope.ReadWrite = append(p.FSScope.ReadWrite, o.ExtraReadWrite...)
	p.FSScope.ReadOnly = append(p.FSScope.ReadOnly, o.ExtraReadOnly...)
	if o.DenyAllNetwork != nil {
		p.Network.DenyAll = *o.DenyAllNetwork
	}
	p.Network.AllowedHosts = append(p.Network.AllowedHosts, o.ExtraAllowedHosts...)
	for k, v := range o.Env {
		p.Env[k] = v
	}
}

// validate applies the fail-closed rules: ceilings positive and within host
// maxima, and no granted path may fall inside the built-in denied set.
func (e *Engine) validate(p *Policy) []string {
	var violations []string

	r := p.Resources
	if r.CPUs <= 0 {
		violations = append(violations, fmt.Sprintf("cpus must be positive, got %d", r.CPUs))
	} else if r.CPUs > e.limits.MaxCPUs {
		violations = append(violations, fmt.Sprintf("cpus %d exceeds host maximum %d", r.CPUs, e.limits.MaxCPUs))
	}
	if r.MemoryMiB <= 0 {
		violations = append(violations, fmt.Sprintf("memory_mib must be positive, got %d", r.MemoryMiB))
	} else if r.MemoryMiB > e.limits.MaxMemoryMiB {
		violations = append(violations, fmt.Sprintf("memory_mib %d exceeds host maximum %d", r.MemoryMiB, e.limits.MaxMemoryMiB))
	}
	if r.DiskGB <= 0 {
		violations = append(violations, fmt.Sprintf("disk_gb must be positive, got %d", r.DiskGB))
	} else if r.DiskGB > e.limits.MaxDiskGB {
		violations = append(violations, fmt.Sprintf("disk_gb %d exceeds host maximum %d", r.DiskGB, e.limits.MaxDiskGB))
	}
	if r.TaskTimeout <= 0 {
		violations = append(violations, "task timeout must be positive")
	} else if r.TaskTimeout > e.limits.MaxTaskTimeout() {
		violations = append(violations, fmt.Sprintf("task timeout %s exceeds host maximum %s", r.TaskTimeout, e.limits.MaxTaskTimeout()))
	}

	for _, path := range p.FSScope.ReadWrite {
		if e.isDenied(path) {
			violations = append(violations, fmt.Sprintf("read-write path %q is inside the denied set", path))
		}
	}
	for _, path := range p.FSScope.ReadOnly {
		if e.isDenied(path) {
			violations = append(violations, fmt.Sprintf("read-only path %q is inside the denied set", path))
		}
	}

	return violations
}

func (e *Engine) isDenied(path string) bool {
	for _, g := range e.denied {
		if g.Match(path) {
			return true
		}
	}
	return false
}
