package pairing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// Request describes one pairing attempt, as supplied by the remote node.
type Request struct {
	NodeID        string `json:"nodeId"`
	DisplayName   string `json:"displayName,omitempty"`
	Platform      string `json:"platform,omitempty"`
	Version       string `json:"version,omitempty"`
	RemoteAddress string `json:"remoteAddress,omitempty"`
}

// Approver is the trust decision for a pairing attempt. Implementations
// answer exactly once per call and must not block decisions for other
// nodes. isRepair means a record for this node already exists.
type Approver interface {
	Approve(ctx context.Context, req Request, isRepair bool) (bool, error)
}

// AutoApprover accepts every pairing attempt. Intended for development
// and for deployments where the network itself is the trust boundary.
type AutoApprover struct{}

func (AutoApprover) Approve(context.Context, Request, bool) (bool, error) {
	return true, nil
}

// AllowlistApprover accepts only nodeIds named in the configuration.
type AllowlistApprover struct {
	nodes map[string]struct{}
}

func NewAllowlistApprover(nodeIDs []string) *AllowlistApprover {
	nodes := make(map[string]struct{}, len(nodeIDs))
	for _, id := range nodeIDs {
		nodes[id] = struct{}{}
	}
	return &AllowlistApprover{nodes: nodes}
}

func (a *AllowlistApprover) Approve(_ context.Context, req Request, _ bool) (bool, error) {
	_, ok := a.nodes[req.NodeID]
	return ok, nil
}

// PendingApprover parks each attempt in a TTL cache until someone
// resolves it through the admin API. An attempt that expires unanswered
// counts as rejected.
type PendingApprover struct {
	cache *ttlcache.Cache[string, *pendingItem]
}

// PendingPairing is the admin-facing view of one parked attempt.
type PendingPairing struct {
	ID          string    `json:"id"`
	Request     Request   `json:"request"`
	IsRepair    bool      `json:"isRepair"`
	RequestedAt time.Time `json:"requestedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type pendingItem struct {
	req         Request
	isRepair    bool
	requestedAt time.Time

	once   sync.Once
	answer chan bool
}

func (p *pendingItem) resolve(approved bool) {
	p.once.Do(func() { p.answer <- approved })
}

func NewPendingApprover(ttl time.Duration) *PendingApprover {
	cache := ttlcache.New[string, *pendingItem](
		ttlcache.WithTTL[string, *pendingItem](ttl),
		ttlcache.WithDisableTouchOnHit[string, *pendingItem](),
	)
	cache.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *pendingItem]) {
		item.Value().resolve(false)
	})
	go cache.Start()
	return &PendingApprover{cache: cache}
}

func (a *PendingApprover) Approve(ctx context.Context, req Request, isRepair bool) (bool, error) {
	item := &pendingItem{
		req:         req,
		isRepair:    isRepair,
		requestedAt: time.Now(),
		answer:      make(chan bool, 1),
	}
	id := uuid.NewString()
	a.cache.Set(id, item, ttlcache.DefaultTTL)

	select {
	case approved := <-item.answer:
		a.cache.Delete(id)
		return approved, nil
	case <-ctx.Done():
		item.resolve(false)
		a.cache.Delete(id)
		return false, ctx.Err()
	}
}

// Pending lists parked attempts, oldest first.
func (a *PendingApprover) Pending() []PendingPairing {
	items := a.cache.Items()
	result := make([]PendingPairing, 0, len(items))
	for id, item := range items {
		p := item.Value()
		result = append(result, PendingPairing{
			ID:          id,
			Request:     p.req,
			IsRepair:    p.isRepair,
			RequestedAt: p.requestedAt,
			ExpiresAt:   item.ExpiresAt(),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RequestedAt.Before(result[j].RequestedAt) })
	return result
}

// Resolve answers one parked attempt. Returns false if the id is
// unknown or already answered.
func (a *PendingApprover) Resolve(id string, approved bool) bool {
	item := a.cache.Get(id)
	if item == nil {
		return false
	}
	item.Value().resolve(approved)
	a.cache.Delete(id)
	return true
}

func (a *PendingApprover) Stop() {
	a.cache.Stop()
}
