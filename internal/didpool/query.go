package didpool

import (
	"context"
	"log/slog"

	"didpool-service/pkg/logger"
)

// TenantNames resolves tenant ids to display names.
type TenantNames interface {
	Names(ctx context.Context, tenantIDs []string) (map[string]string, error)
}

// DIDView is a DID as shown to operators.
type DIDView struct {
	DID
	TenantName string `json:"tenant_name,omitempty"`
}

type ListView struct {
	Items []DIDView `json:"items"`
	Total int       `json:"total"`
}

// QueryService is the read side of the pool. It never mutates.
type QueryService struct {
	store Store
	names TenantNames
	log   *slog.Logger
}

func NewQueryService(store Store, names TenantNames, log *slog.Logger) *QueryService {
	if log == nil {
		log = slog.Default()
	}
	return &QueryService{store: store, names: names, log: log}
}

func (q *QueryService) List(ctx context.Context, f Filter, p Page) (ListView, error) {
	if f.State != "" && !f.State.Valid() {
		return ListView{}, ErrInvalidArgument
	}
	res, err := q.store.List(ctx, f, p.Normalize())
	if err != nil {
		return ListView{}, err
	}

	names := q.resolve(ctx, res.Items)
	out := ListView{Items: make([]DIDView, 0, len(res.Items)), Total: res.Total}
	for _, d := range res.Items {
		out.Items = append(out.Items, DIDView{DID: d, TenantName: names[d.TenantID]})
	}
	return out, nil
}

func (q *QueryService) Get(ctx context.Context, id string) (DIDView, error) {
	if id == "" {
		return DIDView{}, ErrInvalidArgument
	}
	d, err := q.store.Get(ctx, id)
	if err != nil {
		return DIDView{}, err
	}
	names := q.resolve(ctx, []DID{d})
	return DIDView{DID: d, TenantName: names[d.TenantID]}, nil
}

func (q *QueryService) History(ctx context.Context, id string) ([]LedgerEntry, error) {
	if id == "" {
		return nil, ErrInvalidArgument
	}
	return q.store.History(ctx, id)
}

// resolve looks up names for held DIDs. Names are display-only, so a lookup
// failure is logged and the view is returned without them.
func (q *QueryService) resolve(ctx context.Context, dids []DID) map[string]string {
	if q.names == nil {
		return nil
	}
	seen := map[string]struct{}{}
	ids := make([]string, 0, len(dids))
	for _, d := range dids {
		if d.TenantID == "" {
			continue
		}
		if _, ok := seen[d.TenantID]; ok {
			continue
		}
		seen[d.TenantID] = struct{}{}
		ids = append(ids, d.TenantID)
	}
	if len(ids) == 0 {
		return nil
	}
	names, err := q.names.Names(ctx, ids)
	if err != nil {
		logger.FromOr(ctx, q.log).Warn("tenant name lookup failed", "err", err, "tenants", len(ids))
		return nil
	}
	return names
}
