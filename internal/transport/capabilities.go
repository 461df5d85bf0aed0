package transport

import (
	"slices"
	"strings"
)

// Capability names this client understands.
const (
	CapSideBand64k = "side-band-64k"
	CapSideBand    = "side-band"
	CapOFSDelta    = "ofs-delta"
	CapIncludeTag  = "include-tag"
	CapAgent       = "agent"
	CapSymref      = "symref"
	CapThinPack    = "thin-pack"
	CapMultiAck    = "multi_ack"
)

// Capabilities is the capability list a server advertises.
type Capabilities struct {
	order  []string
	values map[string][]string
}

// ParseCapabilities parses a space separated capability list. Values are
// given as name=value; a name may appear more than once.
func ParseCapabilities(s string) *Capabilities {
	c := &Capabilities{values: make(map[string][]string)}
	for _, field := range strings.Fields(s) {
		name, value, hasValue := strings.Cut(field, "=")
		if _, seen := c.values[name]; !seen {
			c.order = append(c.order, name)
			c.values[name] = nil
		}
		if hasValue {
			c.values[name] = append(c.values[name], value)
		}
	}
	return c
}

// Supports reports whether name was advertised.
func (c *Capabilities) Supports(name string) bool {
	if c == nil {
		return false
	}
	_, ok := c.values[name]
	return ok
}

// Get returns the values advertised for name.
func (c *Capabilities) Get(name string) []string {
	if c == nil {
		return nil
	}
	return c.values[name]
}

// Symrefs returns the symref=<name>:<target> pairs as a map.
func (c *Capabilities) Symrefs() map[string]string {
	out := make(map[string]string)
	for _, v := range c.Get(CapSymref) {
		if name, target, ok := strings.Cut(v, ":"); ok {
			out[name] = target
		}
	}
	return out
}

// Names returns the advertised capability names in server order.
func (c *Capabilities) Names() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.order...)
}

func (c *Capabilities) String() string {
	if c == nil {
		return ""
	}
	var parts []string
	for _, name := range c.order {
		vals := c.values[name]
		if len(vals) == 0 {
			parts = append(parts, name)
			continue
		}
		for _, v := range vals {
			parts = append(parts, name+"="+v)
		}
	}
	return strings.Join(parts, " ")
}

// RequestOptions shapes the capabilities asked for in a request.
type RequestOptions struct {
	Agent       string
	IncludeTags bool
}

// RequestCapabilities picks the capabilities to request from what the
// server offers. Nothing the server did not advertise is requested.
func RequestCapabilities(server *Capabilities, opts RequestOptions) []string {
	var caps []string
	switch {
	case server.Supports(CapSideBand64k):
		caps = append(caps, CapSideBand64k)
	case server.Supports(CapSideBand):
		caps = append(caps, CapSideBand)
	}
	if server.Supports(CapOFSDelta) {
		caps = append(caps, CapOFSDelta)
	}
	if opts.IncludeTags && server.Supports(CapIncludeTag) {
		caps = append(caps, CapIncludeTag)
	}
	if opts.Agent != "" && server.Supports(CapAgent) {
		caps = append(caps, CapAgent+"="+opts.Agent)
	}
	return caps
}

// usesSideBand reports whether caps request a multiplexed response.
func usesSideBand(caps []string) bool {
	return slices.Contains(caps, CapSideBand64k) || slices.Contains(caps, CapSideBand)
}
