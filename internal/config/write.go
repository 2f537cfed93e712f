// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// Format normalizes HCL source without changing its meaning.
func Format(src []byte) []byte {
	return hclwrite.Format(src)
}

// StarterHCL renders a minimal working config for a fresh install.
// The rule chain targets TLS on 443 with a general hostlist, which
// is the setup most deployments start from and then tune.
func StarterHCL() []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	queue := body.AppendNewBlock("queue", nil).Body()
	queue.SetAttributeValue("number", cty.NumberIntVal(200))

	paths := body.AppendNewBlock("paths", nil).Body()
	paths.SetAttributeValue("lists", cty.StringVal("/etc/slipwire/lists"))
	paths.SetAttributeValue("payloads", cty.StringVal("/etc/slipwire/payloads"))

	rule := body.AppendNewBlock("rule", []string{"tls"}).Body()
	rule.SetAttributeValue("protocol", cty.StringVal("tcp"))
	rule.SetAttributeValue("ports", cty.StringVal("443"))
	rule.SetAttributeValue("hostlist", cty.ListVal([]cty.Value{
		cty.StringVal("list-general.txt"),
	}))
	rule.SetAttributeValue("desync", cty.StringVal("fake,multisplit"))
	rule.SetAttributeValue("split_pos", cty.StringVal("1,midsld"))
	rule.SetAttributeValue("fooling", cty.StringVal("ts"))
	rule.SetAttributeValue("autottl", cty.BoolVal(true))

	quic := body.AppendNewBlock("rule", []string{"quic"}).Body()
	quic.SetAttributeValue("protocol", cty.StringVal("udp"))
	quic.SetAttributeValue("ports", cty.StringVal("443"))
	quic.SetAttributeValue("hostlist", cty.ListVal([]cty.Value{
		cty.StringVal("list-general.txt"),
	}))
	quic.SetAttributeValue("desync", cty.StringVal("fake"))
	quic.SetAttributeValue("repeats", cty.NumberIntVal(4))
	quic.SetAttributeValue("cutoff", cty.StringVal("n2"))

	return hclwrite.Format(f.Bytes())
}

// Render serializes a loaded config back to HCL. Block order is
// fixed so diffs between renders are meaningful.
func Render(c *Config) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	if c.SchemaVersion != "" {
		body.SetAttributeValue("schema_version", cty.StringVal(c.SchemaVersion))
	}

	if c.Log != nil && (c.Log.Level != "" || c.Log.JSON) {
		b := body.AppendNewBlock("log", nil).Body()
		if c.Log.Level != "" {
			b.SetAttributeValue("level", cty.StringVal(c.Log.Level))
		}
		if c.Log.JSON {
			b.SetAttributeValue("json", cty.BoolVal(true))
		}
	}

	if q := c.Queue; q != nil {
		b := body.AppendNewBlock("queue", nil).Body()
		b.SetAttributeValue("number", cty.NumberIntVal(int64(q.Number)))
		b.SetAttributeValue("mark", cty.NumberIntVal(int64(q.Mark)))
		b.SetAttributeValue("workers", cty.NumberIntVal(int64(q.Workers)))
		if q.Interface != "" {
			b.SetAttributeValue("interface", cty.StringVal(q.Interface))
		}
	}

	if p := c.Paths; p != nil && (p.Lists != "" || p.Payloads != "") {
		b := body.AppendNewBlock("paths", nil).Body()
		if p.Lists != "" {
			b.SetAttributeValue("lists", cty.StringVal(p.Lists))
		}
		if p.Payloads != "" {
			b.SetAttributeValue("payloads", cty.StringVal(p.Payloads))
		}
	}

	if a := c.API; a != nil && a.Enabled {
		b := body.AppendNewBlock("api", nil).Body()
		b.SetAttributeValue("enabled", cty.BoolVal(true))
		b.SetAttributeValue("listen", cty.StringVal(a.Listen))
	}

	for i := range c.Rules {
		r := &c.Rules[i]
		b := body.AppendNewBlock("rule", []string{r.Name}).Body()
		b.SetAttributeValue("protocol", cty.StringVal(r.Protocol))
		b.SetAttributeValue("ports", cty.StringVal(r.Ports))
		if len(r.Hostlist) > 0 {
			b.SetAttributeValue("hostlist", toCtyStringList(r.Hostlist))
		}
		if len(r.HostlistExclude) > 0 {
			b.SetAttributeValue("hostlist_exclude", toCtyStringList(r.HostlistExclude))
		}
		if r.HostlistAuto {
			b.SetAttributeValue("hostlist_auto", cty.BoolVal(true))
		}
		if len(r.Ipset) > 0 {
			b.SetAttributeValue("ipset", toCtyStringList(r.Ipset))
		}
		if len(r.IpsetExclude) > 0 {
			b.SetAttributeValue("ipset_exclude", toCtyStringList(r.IpsetExclude))
		}
		if len(r.Countries) > 0 {
			b.SetAttributeValue("countries", toCtyStringList(r.Countries))
		}
		b.SetAttributeValue("desync", cty.StringVal(r.Desync))
		if r.SplitPos != "" {
			b.SetAttributeValue("split_pos", cty.StringVal(r.SplitPos))
		}
		if r.SeqOvl != 0 {
			b.SetAttributeValue("seqovl", cty.NumberIntVal(int64(r.SeqOvl)))
		}
		if r.Fooling != "" {
			b.SetAttributeValue("fooling", cty.StringVal(r.Fooling))
		}
		if r.TTL != 0 {
			b.SetAttributeValue("ttl", cty.NumberIntVal(int64(r.TTL)))
		}
		if r.AutoTTL {
			b.SetAttributeValue("autottl", cty.BoolVal(true))
		}
		if r.Repeats > 1 {
			b.SetAttributeValue("repeats", cty.NumberIntVal(int64(r.Repeats)))
		}
		if r.Cutoff != "" {
			b.SetAttributeValue("cutoff", cty.StringVal(r.Cutoff))
		}
		if r.FakePayload != "" {
			b.SetAttributeValue("fake_payload", cty.StringVal(r.FakePayload))
		}
	}

	return hclwrite.Format(f.Bytes())
}

func toCtyStringList(items []string) cty.Value {
	if len(items) == 0 {
		return cty.ListValEmpty(cty.String)
	}
	vals := make([]cty.Value, len(items))
	for i, s := range items {
		vals[i] = cty.StringVal(s)
	}
	return cty.ListVal(vals)
}
