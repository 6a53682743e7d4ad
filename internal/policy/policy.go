// Package policy resolves the declarative security policy applied to a
// sandbox before any agent code executes. Resolution merges three layers,
// lowest to highest precedence: the built-in safe default, the template's
// defaults, and the caller's explicit overrides. Validation fails closed: a
// policy that cannot be proven safe is rejected before a sandbox exists.
//
// A resolved Policy is an immutable value. It is snapshotted into the session
// metadata at first provision and never changes for the life of the session;
// different rules require a new session.
package policy

import (
	"time"
)

// Resources are the ceilings enforced on a sandbox.
type Resources struct {
	CPUs        int           `json:"cpus"`
	MemoryMiB   int64         `json:"memory_mib"`
	DiskGB      int           `json:"disk_gb"`
	TaskTimeout time.Duration `json:"task_timeout_ns"`
}

// FSScope is the filesystem access granted to a sandbox. Paths are
// host-absolute; Denied always wins over the grant lists.
type FSScope struct {
	ReadWrite []string `json:"read_write,omitempty"`
	ReadOnly  []string `json:"read_only,omitempty"`
	Denied    []string `json:"denied,omitempty"`
}

// Network is the egress rule set for a sandbox. With DenyAll set the allow
// list is ignored; otherwise AllowedHosts is an exhaustive host[:port]
// allow list, and an empty list with DenyAll unset means unrestricted.
type Network struct {
	DenyAll      bool     `json:"deny_all"`
	AllowedHosts []string `json:"allowed_hosts,omitempty"`
}

// Policy is the resolved, immutable rule set for one session.
type Policy struct {
	Template  string    `json:"template"`
	Image     string    `json:"image"`
	Skills    []string  `json:"skills,omitempty"`
	Resources Resources `json:"resources"`
	FSScope   FSScope   `json:"fs_scope"`
	Network   Network   `json:"network"`

	// Env carries the environment contributed by the template and skills,
	// merged in registration order. Values are opaque to this package.
	Env map[string]string `json:"env,omitempty"`
}

// Overrides are caller-supplied adjustments applied at the highest merge
// precedence. Nil pointer fields leave the lower layers' values in place;
// slice fields are additive.
type Overrides struct {
	CPUs              *int
	MemoryMiB         *int64
	DiskGB            *int
	TaskTimeout       *time.Duration
	ExtraReadWrite    []string
	ExtraReadOnly     []string
	DenyAllNetwork    *bool
	ExtraAllowedHosts []string
	Env               map[string]string
}

// Template declares a named sandbox flavor: the runtime image it boots and
// the policy defaults layered on top of the built-in default.
type Template struct {
	Name        string
	Image       string
	Description string

	CPUs        int
	MemoryMiB   int64
	DiskGB      int
	TaskTimeout time.Duration

	ExtraReadOnly []string
	Network       *Network
	Env           map[string]string
}

// Skill is a named capability mixed into a session: environment variables
// for the agent plus an optional blob staged into the workspace.
type Skill struct {
	Name        string
	Description string
	Env         map[string]string

	// BlobPath, when set, is a host path copied into the workspace tree
	// before the first invocation. The contents are opaque.
	BlobPath string
}

func (p *Policy) clone() *Policy {
	out := *p
	out.Skills = append([]string(nil), p.Skills...)
	out.FSScope.ReadWrite = append([]string(nil), p.FSScope.ReadWrite...)
	out.FSScope.ReadOnly = append([]string(nil), p.FSScope.ReadOnly...)
	out.FSScope.Denied = append([]string(nil), p.FSScope.Denied...)
	out.Network.AllowedHosts = append([]string(nil), p.Network.AllowedHosts...)
	if p.Env != nil {
		out.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			out.Env[k] = v
		}
	}
	return &out
}
