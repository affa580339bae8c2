package executor

import (
	"context"
	"time"

	"github.com/nidhogg/fnexec/internal/cache"
	"github.com/nidhogg/fnexec/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FastLookup is a quick fingerprint → result index consulted before the
// document store.
type FastLookup interface {
	Get(ctx context.Context, fingerprint string) (*cache.Entry, error)
}

// lookupKeys are the hashes a call is looked up by.
type lookupKeys struct {
	function    string
	fingerprint string
	argsHash    string
	schemaHash  string // empty when the call has no schema
}

// resolution is what the lookups found.
type resolution struct {
	function *store.Document
	schema   *store.Document
	args     *store.Document
	action   *store.Document

	hit       bool
	source    string // redis or store, on a hit
	expired   bool
	output    any
	reasoning string
}

// code returns the stored source of the function, if any.
func (r *resolution) code() string {
	return r.function.String("code")
}

type resolver struct {
	store  store.Store
	fast   FastLookup
	logger *zap.Logger
	now    func() time.Time
}

// resolve looks the call up. Lookup failures are logged and count as
// "not found"; they never fail the call.
func (r *resolver) resolve(ctx context.Context, k lookupKeys, ttl time.Duration) *resolution {
	res := &resolution{}

	if r.fast != nil {
		entry, err := r.fast.Get(ctx, k.fingerprint)
		if err != nil {
			r.logger.Warn("fast path lookup failed",
				zap.String("fingerprint", k.fingerprint), zap.Error(err))
		} else if entry != nil && r.fresh(entry.CreatedAt, ttl) {
			res.hit = true
			res.source = "redis"
			res.output = entry.Output
			res.reasoning = entry.Reasoning
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res.function = r.findOne(gctx, store.Functions, store.Filter{"name": k.function})
		return nil
	})
	g.Go(func() error {
		res.args = r.findOne(gctx, store.Things, store.Filter{"hash": k.argsHash})
		return nil
	})
	if k.schemaHash != "" {
		g.Go(func() error {
			res.schema = r.findOne(gctx, store.Types, store.Filter{"hash": k.schemaHash})
			return nil
		})
	}
	g.Go(func() error {
		res.action = r.findOne(gctx, store.Actions, store.Filter{"hash": k.fingerprint})
		return nil
	})
	_ = g.Wait()

	if res.hit || res.action == nil {
		return res
	}
	objectID := res.action.String("object")
	if objectID == "" {
		return res
	}
	if !r.fresh(res.action.UpdatedAt, ttl) {
		res.expired = true
		return res
	}
	result := r.findOne(ctx, store.Things, store.Filter{"id": objectID})
	if result == nil {
		return res
	}
	res.hit = true
	res.source = "store"
	res.output = result.Data["data"]
	res.reasoning = res.action.String("reasoning")
	return res
}

// fresh reports whether a result created at created is younger than ttl.
// A zero or negative ttl never serves.
func (r *resolver) fresh(created time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return r.now().Sub(created) < ttl
}

func (r *resolver) findOne(ctx context.Context, collection string, filter store.Filter) *store.Document {
	doc, err := store.FindOne(ctx, r.store, collection, filter)
	if err != nil {
		r.logger.Warn("lookup failed",
			zap.String("collection", collection), zap.Error(err))
		return nil
	}
	return doc
}
