package job

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asin-matcher/internal/adapter"
	apperrors "github.com/asin-matcher/internal/errors"
	"github.com/asin-matcher/internal/logging"
	"github.com/asin-matcher/internal/models"
	"github.com/asin-matcher/internal/ratelimit"
	"github.com/asin-matcher/internal/types"
)

const testMarketplace = "ATVPDKIKX0DER"

func strPtr(s string) *string { return &s }

func mappingKey(code, asin, marketplace string) string {
	return code + "|" + asin + "|" + marketplace
}

// memStore is an in-memory Store keyed the same way as the SQL schema
type memStore struct {
	mu sync.Mutex

	products     []*models.Product
	statuses     map[string]*models.ProductLookupStatus
	statusTrail  map[string][]types.LookupStatus
	mappings     map[string]*models.ASINMapping
	mappingOrder []string
	logs         []*models.SyncLogEntry
	nextID       int64

	now       func() time.Time
	selectErr error
	saveErr   map[string]error
	lastQuery models.CandidateFilter
}

func newMemStore(products ...*models.Product) *memStore {
	return &memStore{
		products:    products,
		statuses:    make(map[string]*models.ProductLookupStatus),
		statusTrail: make(map[string][]types.LookupStatus),
		mappings:    make(map[string]*models.ASINMapping),
		now:         time.Now,
		saveErr:     make(map[string]error),
	}
}

func (s *memStore) SelectCandidates(_ context.Context, filter models.CandidateFilter) ([]*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastQuery = filter
	if s.selectErr != nil {
		return nil, s.selectErr
	}

	cutoff := s.now().Add(-filter.RecentWindow)
	var out []*models.Product
	for _, p := range s.products {
		if filter.OnlyWithUPCOrMPN && !p.HasIdentifyingCode() {
			continue
		}
		if filter.SkipRecentlyProcessed {
			if st, ok := s.statuses[p.ID]; ok && st.Status == types.LookupStatusFound && st.LastLookupAt.After(cutoff) {
				continue
			}
		}
		out = append(out, p)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) GetProduct(_ context.Context, productID string) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.products {
		if p.ID == productID {
			return p, nil
		}
	}
	return nil, apperrors.NewProductNotFoundError(productID)
}

func (s *memStore) UpsertLookupStatus(_ context.Context, status *models.ProductLookupStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *status
	s.statuses[status.ProductID] = &cp
	s.statusTrail[status.ProductID] = append(s.statusTrail[status.ProductID], status.Status)
	return nil
}

func (s *memStore) GetLookupStatus(_ context.Context, productID string) (*models.ProductLookupStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.statuses[productID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (s *memStore) SaveDiscoveryResults(_ context.Context, batchID string, product *models.Product, marketplaceID string, results []*models.DiscoveryResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.saveErr[product.ID]; err != nil {
		return err
	}

	now := s.now()
	for _, r := range results {
		m := r.Mapping(batchID, product, marketplaceID)
		key := mappingKey(m.IdentifyingCode, m.ASIN, m.MarketplaceID)
		if existing, ok := s.mappings[key]; ok {
			m.ID = existing.ID
			m.DiscoveredAt = existing.DiscoveredAt
		} else {
			s.nextID++
			m.ID = s.nextID
			m.DiscoveredAt = now
			s.mappingOrder = append(s.mappingOrder, key)
		}
		m.LastVerifiedAt = now
		s.mappings[key] = m
		s.logs = append(s.logs, r.SyncLog(batchID, product, marketplaceID, now))
	}
	return nil
}

func (s *memStore) ListMappings(_ context.Context, productID string) ([]*models.ASINMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.ASINMapping
	for _, key := range s.mappingOrder {
		if m := s.mappings[key]; m.ProductID == productID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) InsertSyncLog(_ context.Context, entry *models.SyncLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = append(s.logs, entry)
	return nil
}

func (s *memStore) ListSyncLogs(_ context.Context, batchID string) ([]*models.SyncLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.SyncLogEntry
	for _, l := range s.logs {
		if l.BatchID == batchID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *memStore) status(productID string) *models.ProductLookupStatus {
	st, _ := s.GetLookupStatus(context.Background(), productID)
	return st
}

func (s *memStore) trail(productID string) []types.LookupStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.LookupStatus(nil), s.statusTrail[productID]...)
}

// summaryRows returns batch-level audit rows, which carry no product id
func (s *memStore) summaryRows() []*models.SyncLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.SyncLogEntry
	for _, l := range s.logs {
		if l.ProductID == nil {
			out = append(out, l)
		}
	}
	return out
}

// fakeCatalog answers searches and restriction lookups from maps
type fakeCatalog struct {
	mu              sync.Mutex
	items           map[string][]adapter.CatalogItem
	searchErrs      map[string]error
	restrictions    map[string]*adapter.RestrictionResult
	restrictionErrs map[string]error

	delay time.Duration
	gate  chan struct{}

	searchCalls      atomic.Int64
	restrictionCalls atomic.Int64
	inFlight         atomic.Int64
	maxInFlight      atomic.Int64
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		items:           make(map[string][]adapter.CatalogItem),
		searchErrs:      make(map[string]error),
		restrictions:    make(map[string]*adapter.RestrictionResult),
		restrictionErrs: make(map[string]error),
	}
}

func searchKey(kind types.CodeKind, code string) string {
	return string(kind) + ":" + code
}

func (c *fakeCatalog) onSearch(kind types.CodeKind, code string, asins ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, asin := range asins {
		c.items[searchKey(kind, code)] = append(c.items[searchKey(kind, code)], adapter.CatalogItem{
			ASIN:  asin,
			Title: strPtr("Title " + asin),
		})
	}
}

func (c *fakeCatalog) SearchByCode(ctx context.Context, code string, kind types.CodeKind) ([]adapter.CatalogItem, error) {
	c.searchCalls.Add(1)
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		peak := c.maxInFlight.Load()
		if n <= peak || c.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	if c.gate != nil {
		<-c.gate
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.searchErrs[searchKey(kind, code)]; err != nil {
		return nil, err
	}
	return append([]adapter.CatalogItem(nil), c.items[searchKey(kind, code)]...), nil
}

func (c *fakeCatalog) GetRestrictions(_ context.Context, asin string) (*adapter.RestrictionResult, error) {
	c.restrictionCalls.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.restrictionErrs[asin]; err != nil {
		return nil, err
	}
	if r, ok := c.restrictions[asin]; ok {
		return r, nil
	}
	return &adapter.RestrictionResult{}, nil
}

func newTestLimiter() *ratelimit.RateLimiter {
	fast := ratelimit.OperationLimit{RequestsPerSecond: 10000, Burst: 10000}
	return ratelimit.NewRateLimiter(&ratelimit.RateLimiterConfig{
		Registry: ratelimit.NewOperationRegistry(map[string]ratelimit.OperationLimit{
			ratelimit.OperationSearchCatalogItems:      fast,
			ratelimit.OperationGetListingsRestrictions: fast,
		}),
		Logger: logging.NewNopLogger(),
	})
}

func newTestProcessor(t *testing.T, store Store, catalog adapter.CatalogClient) *BatchProcessor {
	t.Helper()
	p, err := NewBatchProcessor(BatchProcessorConfig{
		Store:         store,
		Catalog:       catalog,
		Limiter:       newTestLimiter(),
		MarketplaceID: testMarketplace,
		Logger:        logging.NewNopLogger(),
	})
	require.NoError(t, err)
	return p
}

func upcProduct(i int) *models.Product {
	return &models.Product{
		ID:     fmt.Sprintf("prod-%03d", i),
		SKU:    fmt.Sprintf("SKU-%03d", i),
		Name:   fmt.Sprintf("Product %d", i),
		UPC:    strPtr(fmt.Sprintf("0000000%05d", i)),
		Status: "active",
	}
}

func upcProducts(n int) []*models.Product {
	out := make([]*models.Product, n)
	for i := range out {
		out[i] = upcProduct(i)
	}
	return out
}
