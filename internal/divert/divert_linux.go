// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package divert

import (
	"context"
	"os/exec"
	"strings"

	"github.com/google/nftables"
	"github.com/safchain/ethtool"
	"github.com/ti-mo/conntrack"
	"github.com/ti-mo/netfilter"
	"github.com/vishvananda/netlink"

	"grimm.is/slipwire/internal/errors"
	"grimm.is/slipwire/internal/netutil"
)

// Offload features that coalesce segments before NFQUEUE sees them.
// A queued superpacket breaks split position math, so these go off on
// the egress interface unless keep_offloads is set.
var offloadFeatures = []string{
	"rx-gro",
	"rx-gro-hw",
	"rx-lro",
	"tx-generic-segmentation",
	"tx-tcp-segmentation",
	"tx-tcp6-segmentation",
	"tx-tcp-ecn-segmentation",
	"tx-tcp-mangleid-segmentation",
}

// Apply installs the steering table and prepares the egress
// interface. Safe to call again after a config reload; the script
// flushes its own chains before re-adding rules.
func (d *Diverter) Apply() error {
	if _, err := exec.LookPath("nft"); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "nft binary not found")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.cfg.KeepOffloads && d.offloads == nil {
		iface := d.cfg.Interface
		if iface == "" {
			resolved, err := defaultInterface()
			if err != nil {
				d.log.WithError(err).Warn("Cannot resolve egress interface, offloads stay on")
			}
			iface = resolved
		}
		if iface != "" {
			state, err := disableOffloads(iface)
			if err != nil {
				d.log.WithError(err).Warn("Offload adjustment failed, coalesced packets possible", "interface", iface)
			} else {
				d.offloads = state
				if len(state.prev) > 0 {
					d.log.Info("NIC offloads disabled", "interface", iface, "features", len(state.prev))
				}
			}
		}
	}

	script := d.Script()
	if err := validateScript(script); err != nil {
		return errors.Wrap(err, errors.KindValidation, "steering ruleset rejected")
	}
	if err := applyScript(script); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "applying steering ruleset")
	}
	d.applied = true

	d.log.Info("Divert rules applied",
		"table", TableName,
		"queue", d.cfg.Queue,
		"tcp_ports", len(d.cfg.TCPPorts),
		"udp_ports", len(d.cfg.UDPPorts),
		"synack", d.cfg.SYNACK)
	return nil
}

// Teardown deletes the slipwire table and restores NIC offloads.
// Only our table is touched; a missing table is not an error.
func (d *Diverter) Teardown() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	if err := deleteTable(); err != nil {
		firstErr = err
		d.log.WithError(err).Warn("Steering table removal failed")
	} else if d.applied {
		d.log.Info("Divert rules removed", "table", TableName)
	}
	d.applied = false

	if d.offloads != nil {
		if err := d.offloads.restore(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			d.log.WithError(err).Warn("Offload restore failed", "interface", d.offloads.iface)
		} else if len(d.offloads.prev) > 0 {
			d.log.Info("NIC offloads restored", "interface", d.offloads.iface)
		}
		d.offloads = nil
	}
	return firstErr
}

// Installed reports whether the slipwire table currently exists.
func (d *Diverter) Installed() (bool, error) {
	conn, err := nftables.New()
	if err != nil {
		return false, errors.Wrap(err, errors.KindUnavailable, "opening nftables connection")
	}
	tables, err := conn.ListTables()
	if err != nil {
		return false, errors.Wrap(err, errors.KindUnavailable, "listing nftables tables")
	}
	for _, t := range tables {
		if t.Name == TableName && t.Family == nftables.TableFamilyINet {
			return true, nil
		}
	}
	return false, nil
}

// WatchConntrack subscribes to flow destroy events and reports each
// torn-down TCP/UDP flow through forget, letting the engine drop
// connection state the moment the kernel does instead of waiting for
// the idle sweep. Returns after the subscription is live; the watch
// ends with ctx.
func (d *Diverter) WatchConntrack(ctx context.Context, forget func(netutil.Tuple)) error {
	c, err := conntrack.Dial(nil)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "opening conntrack socket")
	}

	evCh := make(chan conntrack.Event, 256)
	errCh, err := c.Listen(evCh, 1, []netfilter.NetlinkGroup{netfilter.GroupCTDestroy})
	if err != nil {
		c.Close()
		return errors.Wrap(err, errors.KindUnavailable, "subscribing to conntrack destroy events")
	}
	d.log.Debug("Conntrack destroy watch started")

	go func() {
		<-ctx.Done()
		c.Close()
	}()
	go func() {
		for {
			select {
			case err := <-errCh:
				if ctx.Err() == nil && err != nil {
					d.log.WithError(err).Warn("Conntrack watch ended")
				}
				return
			case ev := <-evCh:
				if ev.Type != conntrack.EventDestroy || ev.Flow == nil {
					continue
				}
				orig := ev.Flow.TupleOrig
				proto := orig.Proto.Protocol
				if proto != netutil.ProtoTCP && proto != netutil.ProtoUDP {
					continue
				}
				forget(netutil.Tuple{
					SrcIP:   orig.IP.SourceAddress.Unmap(),
					DstIP:   orig.IP.DestinationAddress.Unmap(),
					SrcPort: orig.Proto.SourcePort,
					DstPort: orig.Proto.DestinationPort,
					Proto:   proto,
				})
			}
		}
	}()
	return nil
}

// validateScript dry-runs the script through nft -c without touching
// the ruleset.
func validateScript(script string) error {
	cmd := exec.Command("nft", "-c", "-f", "-")
	cmd.Stdin = strings.NewReader(script)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Errorf(errors.KindValidation, "nft check failed: %v: %s", err, output)
	}
	return nil
}

// applyScript applies the script in one atomic nft transaction.
func applyScript(script string) error {
	cmd := exec.Command("nft", "-f", "-")
	cmd.Stdin = strings.NewReader(script)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Errorf(errors.KindInternal, "nft apply failed: %v: %s", err, output)
	}
	return nil
}

// deleteTable removes the slipwire table if present.
func deleteTable() error {
	conn, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "opening nftables connection")
	}
	tables, err := conn.ListTables()
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "listing nftables tables")
	}
	for _, t := range tables {
		if t.Name == TableName && t.Family == nftables.TableFamilyINet {
			conn.DelTable(t)
			if err := conn.Flush(); err != nil {
				return errors.Wrapf(err, errors.KindInternal, "deleting table %s", TableName)
			}
			return nil
		}
	}
	return nil
}

// defaultInterface resolves the interface carrying the IPv4 default
// route.
func defaultInterface() (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", errors.Wrap(err, errors.KindUnavailable, "listing routes")
	}
	for _, r := range routes {
		if r.Dst != nil && !r.Dst.IP.IsUnspecified() {
			continue
		}
		if r.LinkIndex == 0 {
			continue
		}
		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			continue
		}
		return link.Attrs().Name, nil
	}
	return "", errors.New(errors.KindNotFound, "no default route")
}

// disableOffloads turns off the coalescing features present on iface
// and remembers which were on.
func disableOffloads(iface string) (*offloadState, error) {
	eth, err := ethtool.NewEthtool()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "opening ethtool handle")
	}
	defer eth.Close()

	features, err := eth.Features(iface)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "reading features of %s", iface)
	}

	state := &offloadState{iface: iface, prev: make(map[string]bool)}
	changes := make(map[string]bool)
	for _, f := range offloadFeatures {
		if enabled, ok := features[f]; ok && enabled {
			state.prev[f] = true
			changes[f] = false
		}
	}
	if len(changes) == 0 {
		return state, nil
	}
	if err := eth.Change(iface, changes); err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "disabling offloads on %s", iface)
	}
	return state, nil
}

// restore re-enables the features disableOffloads turned off.
func (o *offloadState) restore() error {
	if len(o.prev) == 0 {
		return nil
	}
	eth, err := ethtool.NewEthtool()
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "opening ethtool handle")
	}
	defer eth.Close()
	if err := eth.Change(o.iface, o.prev); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "restoring offloads on %s", o.iface)
	}
	return nil
}
