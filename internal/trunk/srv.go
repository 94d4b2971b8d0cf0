package trunk

import (
	"context"
	"math/rand"
	"net"
	"sort"
	"strings"
	"time"
)

// SRVResolver is the slice of net.Resolver the manager needs. The
// default implementation is the system resolver.
type SRVResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

func defaultResolver() SRVResolver {
	return net.DefaultResolver
}

// ensureResolved refreshes an SRV trunk's target list when it is empty
// or older than the re-resolve interval. Static trunks are untouched.
func (m *Manager) ensureResolved(ctx context.Context, t *Trunk) error {
	if t.SRVDomain == "" {
		return nil
	}

	t.mu.Lock()
	fresh := len(t.targets) > 0 && time.Since(t.resolvedAt) < t.SRVReresolve
	t.mu.Unlock()
	if fresh {
		return nil
	}

	proto := strings.ToLower(t.Transport)
	if proto == "" {
		proto = "udp"
	}
	if proto == "tls" {
		proto = "tcp"
	}

	dnsCtx, cancel := context.WithTimeout(ctx, m.opts.DNSTimeout)
	defer cancel()
	_, records, err := m.resolver.LookupSRV(dnsCtx, "sip", proto, t.SRVDomain)
	if err != nil {
		return err
	}

	m.rndMu.Lock()
	ordered := orderSRV(records, m.rnd)
	m.rndMu.Unlock()

	targets := make([]Target, 0, len(ordered))
	for _, rec := range ordered {
		targets = append(targets, Target{
			Host:      strings.TrimSuffix(rec.Target, "."),
			Port:      int(rec.Port),
			Transport: t.Transport,
			Priority:  rec.Priority,
			Weight:    rec.Weight,
		})
	}

	t.mu.Lock()
	t.targets = targets
	t.targetIdx = 0
	t.resolvedAt = time.Now()
	t.mu.Unlock()

	m.logger.Debug("srv targets resolved",
		"trunk", t.Name,
		"domain", t.SRVDomain,
		"targets", len(targets),
	)
	return nil
}

// orderSRV arranges SRV records per RFC 2782: ascending priority, and
// within each priority group a weighted random selection without
// replacement so higher-weight targets tend to come first.
func orderSRV(records []*net.SRV, rnd *rand.Rand) []*net.SRV {
	byPriority := make(map[uint16][]*net.SRV)
	var priorities []uint16
	for _, rec := range records {
		if _, ok := byPriority[rec.Priority]; !ok {
			priorities = append(priorities, rec.Priority)
		}
		byPriority[rec.Priority] = append(byPriority[rec.Priority], rec)
	}
	sort.Slice(priorities, func(i, j int) bool { return priorities[i] < priorities[j] })

	out := make([]*net.SRV, 0, len(records))
	for _, prio := range priorities {
		group := append([]*net.SRV(nil), byPriority[prio]...)
		for len(group) > 0 {
			total := 0
			for _, rec := range group {
				total += int(rec.Weight)
			}
			pick := 0
			if total > 0 {
				threshold := rnd.Intn(total + 1)
				running := 0
				for i, rec := range group {
					running += int(rec.Weight)
					if running >= threshold {
						pick = i
						break
					}
				}
			}
			out = append(out, group[pick])
			group = append(group[:pick], group[pick+1:]...)
		}
	}
	return out
}
