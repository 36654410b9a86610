package estests

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UbiquitousAS/WorkshopEventSourcing/core/es"
	"github.com/UbiquitousAS/WorkshopEventSourcing/core/es/estests/domain"
)

func newAggStore(streams es.StreamStore, opts ...es.StoreOption) *es.AggregateStore {
	types := es.NewTypeMapper()
	domain.RegisterTypes(types)
	return es.NewAggregateStore(slog.Default(), streams, types, opts...)
}

func registeredAd(t *testing.T, id string) *domain.ClassifiedAd {
	t.Helper()
	a := &domain.ClassifiedAd{}
	require.NoError(t, a.Register(id, "owner-1"))
	return a
}

func TestAggregateStore_All(t *testing.T) {
	t.Run("lifecycle", eachStore(func(t *testing.T, streams es.StreamStore) {
		var (
			sut  = newAggStore(streams)
			ads  = es.NewTypedStore[*domain.ClassifiedAd](slog.Default(), sut)
			adID = "ad-" + gonanoid.Must()
		)

		t.Run("load missing yields fresh aggregate", func(t *testing.T) {
			a, err := ads.Load(t.Context(), adID)
			require.NoError(t, err)
			require.Equal(t, es.NoStream, a.GetVersion())
			require.Empty(t, a.Changes())
			require.Equal(t, adID, a.GetID())
		})

		t.Run("last version of missing stream", func(t *testing.T) {
			v, err := sut.GetLastVersionOf(t.Context(), "classified_ad", adID)
			require.NoError(t, err)
			require.Equal(t, es.NoStream, v)
		})

		t.Run("register, mutate, save", func(t *testing.T) {
			a := registeredAd(t, adID)
			require.NoError(t, a.SetTitle("Bike for sale"))
			require.NoError(t, a.SetPrice(12000))
			require.Len(t, a.Changes(), 3)

			res, err := sut.Save(t.Context(), a)
			require.NoError(t, err)
			require.Equal(t, es.Version(2), res.NextExpectedVersion)
			require.NotZero(t, res.Position.Commit)

			require.Equal(t, es.Version(2), a.GetVersion())
			require.Empty(t, a.Changes())
		})

		t.Run("save without changes is a no-op", func(t *testing.T) {
			a, err := ads.Load(t.Context(), adID)
			require.NoError(t, err)

			res, err := sut.Save(t.Context(), a)
			require.NoError(t, err)
			require.Zero(t, res)
		})

		t.Run("load", func(t *testing.T) {
			a, err := ads.Load(t.Context(), adID)
			require.NoError(t, err)
			require.Equal(t, es.Version(2), a.GetVersion())
			require.Equal(t, "Bike for sale", a.Title)
			require.EqualValues(t, 12000, a.Price)
			require.Equal(t, domain.AdStateDraft, a.State)
		})

		t.Run("load is repeatable", func(t *testing.T) {
			a1, err := ads.Load(t.Context(), adID)
			require.NoError(t, err)
			a2, err := ads.Load(t.Context(), adID)
			require.NoError(t, err)

			require.Equal(t, a1.GetVersion(), a2.GetVersion())
			require.Equal(t, a1.Title, a2.Title)
			require.Equal(t, a1.Price, a2.Price)
		})

		t.Run("last version agrees with load", func(t *testing.T) {
			v, err := ads.GetLastVersion(t.Context(), adID)
			require.NoError(t, err)
			require.Equal(t, es.Version(2), v)
		})

		t.Run("publish and sell", func(t *testing.T) {
			a, err := ads.Load(t.Context(), adID)
			require.NoError(t, err)
			require.NoError(t, a.Publish())
			require.NoError(t, a.MarkSold("buyer-1"))

			res, err := ads.Save(t.Context(), a)
			require.NoError(t, err)
			require.Equal(t, es.Version(4), res.NextExpectedVersion)

			loaded, err := ads.Load(t.Context(), adID)
			require.NoError(t, err)
			require.Equal(t, domain.AdStateSold, loaded.State)
		})
	}))

	t.Run("guards", eachStore(func(t *testing.T, streams es.StreamStore) {
		var (
			sut  = newAggStore(streams)
			ads  = es.NewTypedStore[*domain.ClassifiedAd](slog.Default(), sut)
			adID = "ad-" + gonanoid.Must()
		)

		a := registeredAd(t, adID)
		_, err := sut.Save(t.Context(), a)
		require.NoError(t, err)

		t.Run("load over pending changes", func(t *testing.T) {
			dirty := &domain.ClassifiedAd{}
			require.NoError(t, dirty.Register(adID, "owner-1"))
			require.ErrorIs(t, sut.Load(t.Context(), dirty), es.ErrInvalidArgument)
		})

		t.Run("load over hydrated aggregate", func(t *testing.T) {
			loaded, err := ads.Load(t.Context(), adID)
			require.NoError(t, err)
			require.ErrorIs(t, sut.Load(t.Context(), loaded), es.ErrInvalidArgument)
		})

		t.Run("identity is required", func(t *testing.T) {
			require.ErrorIs(t, sut.Load(t.Context(), nil), es.ErrInvalidArgument)

			blank := &domain.ClassifiedAd{}
			require.ErrorIs(t, sut.Load(t.Context(), blank), es.ErrInvalidArgument)

			_, err := sut.Save(t.Context(), blank)
			require.ErrorIs(t, err, es.ErrInvalidArgument)

			_, err = sut.GetLastVersionOf(t.Context(), "", adID)
			require.ErrorIs(t, err, es.ErrInvalidArgument)
			_, err = sut.GetLastVersionOf(t.Context(), "classified_ad", "")
			require.ErrorIs(t, err, es.ErrInvalidArgument)
		})

		t.Run("cancellation", func(t *testing.T) {
			ctx, cancel := context.WithCancel(t.Context())
			cancel()

			_, err := ads.Load(ctx, adID)
			require.ErrorIs(t, err, context.Canceled)

			stale := registeredAd(t, "ad-"+gonanoid.Must())
			_, err = sut.Save(ctx, stale)
			require.ErrorIs(t, err, context.Canceled)
		})
	}))

	t.Run("conflicts", eachStore(func(t *testing.T, streams es.StreamStore) {
		var (
			sut  = newAggStore(streams)
			ads  = es.NewTypedStore[*domain.ClassifiedAd](slog.Default(), sut)
			adID = "ad-" + gonanoid.Must()
		)

		a := registeredAd(t, adID)
		require.NoError(t, a.SetTitle("first"))
		_, err := sut.Save(t.Context(), a)
		require.NoError(t, err)

		t.Run("loser gets a diagnostic", func(t *testing.T) {
			c1, err := ads.Load(t.Context(), adID)
			require.NoError(t, err)
			c2, err := ads.Load(t.Context(), adID)
			require.NoError(t, err)

			require.NoError(t, c1.SetTitle("winner"))
			require.NoError(t, c1.SetPrice(500))
			_, err = ads.Save(t.Context(), c1)
			require.NoError(t, err)

			require.NoError(t, c2.SetTitle("loser"))
			_, err = ads.Save(t.Context(), c2)
			require.ErrorIs(t, err, es.ErrConcurrencyConflict)

			var cErr *es.ConcurrencyError
			require.ErrorAs(t, err, &cErr)
			require.Equal(t, "classified_ad-"+adID, cErr.Stream)
			require.Equal(t, es.Version(1), cErr.Expected)
			require.True(t, cErr.ActualKnown)
			require.Equal(t, es.Version(3), cErr.Actual)

			// the loser keeps its state so the caller can reload and retry
			require.Len(t, c2.Changes(), 1)
			require.Equal(t, es.Version(1), c2.GetVersion())
		})

		t.Run("create race reports the existing stream", func(t *testing.T) {
			dup := registeredAd(t, adID)
			_, err := sut.Save(t.Context(), dup)
			require.ErrorIs(t, err, es.ErrConcurrencyConflict)

			var cErr *es.ConcurrencyError
			require.ErrorAs(t, err, &cErr)
			require.Equal(t, es.NoStream, cErr.Expected)
			require.True(t, cErr.ActualKnown)
			require.Equal(t, es.Version(3), cErr.Actual)
		})

		t.Run("concurrent saves have exactly one winner", func(t *testing.T) {
			var (
				id   = "ad-" + gonanoid.Must()
				seed = registeredAd(t, id)
			)
			_, err := sut.Save(t.Context(), seed)
			require.NoError(t, err)

			const racers = 4
			var (
				wg   sync.WaitGroup
				errs = make([]error, racers)
			)
			wg.Add(racers)
			for i := range racers {
				go func() {
					defer wg.Done()
					c, err := ads.Load(t.Context(), id)
					if !assert.NoError(t, err) {
						errs[i] = err
						return
					}
					if err := c.SetTitle(fmt.Sprintf("racer-%d", i)); err != nil {
						errs[i] = err
						return
					}
					_, errs[i] = ads.Save(t.Context(), c)
				}()
			}
			wg.Wait()

			winners := 0
			for _, err := range errs {
				if err == nil {
					winners++
				} else {
					require.ErrorIs(t, err, es.ErrConcurrencyConflict)
				}
			}
			require.Equal(t, 1, winners, "exactly one racer must win")

			v, err := ads.GetLastVersion(t.Context(), id)
			require.NoError(t, err)
			require.Equal(t, es.Version(1), v)
		})
	}))

	t.Run("records", eachStore(func(t *testing.T, streams es.StreamStore) {
		var (
			sut  = newAggStore(streams)
			adID = "ad-" + gonanoid.Must()
		)

		a := registeredAd(t, adID)
		require.NoError(t, a.SetTitle("metadata"))
		_, err := sut.Save(t.Context(), a, es.WithMetadata(es.Metadata{
			"correlation-id":   "corr-1",
			es.MetaAggregateID: "spoofed",
		}))
		require.NoError(t, err)

		slice, err := streams.ReadForward(t.Context(), "classified_ad-"+adID, es.StreamStart, 10)
		require.NoError(t, err)
		require.Len(t, slice.Records, 2)

		seen := map[string]bool{}
		for i, rec := range slice.Records {
			require.Equal(t, es.Version(i), rec.Version)
			require.Equal(t, "application/json", rec.ContentType)
			require.False(t, rec.OccurredAt.IsZero())
			require.NotEmpty(t, rec.ID)
			require.False(t, seen[rec.ID], "record ids are unique")
			seen[rec.ID] = true

			var md es.Metadata
			require.NoError(t, json.Unmarshal(rec.Metadata, &md))
			require.Equal(t, "corr-1", md["correlation-id"])
			require.Equal(t, "classified_ad", md[es.MetaAggregateType])
			require.Equal(t, adID, md[es.MetaAggregateID], "store keys win over caller metadata")
			require.Equal(t, fmt.Sprintf("%d", i), md[es.MetaAggregateVersion])
			require.Equal(t, rec.Type, md[es.MetaEventType])
		}

		require.Equal(t, "AdRegistered", slice.Records[0].Type)
		require.Equal(t, "AdTitleChanged", slice.Records[1].Type)
	}))

	t.Run("long streams", eachStore(func(t *testing.T, streams es.StreamStore) {
		var (
			sut  = newAggStore(streams)
			ads  = es.NewTypedStore[*domain.ClassifiedAd](slog.Default(), sut)
			adID = "ad-" + gonanoid.Must()
			n    = 5_000
		)
		if testing.Short() {
			n = 500
		}

		a := registeredAd(t, adID)
		for i := range n {
			require.NoError(t, a.SetText(fmt.Sprintf("revision %d", i)))
			if len(a.Changes()) == 500 {
				_, err := sut.Save(t.Context(), a)
				require.NoError(t, err)
			}
		}
		_, err := sut.Save(t.Context(), a)
		require.NoError(t, err)
		require.Equal(t, es.Version(n), a.GetVersion())

		t.Run("default page size", func(t *testing.T) {
			loaded, err := ads.Load(t.Context(), adID)
			require.NoError(t, err)
			require.Equal(t, es.Version(n), loaded.GetVersion())
			require.Equal(t, fmt.Sprintf("revision %d", n-1), loaded.Text)
		})

		t.Run("page size that straddles batches", func(t *testing.T) {
			odd := es.NewTypedStore[*domain.ClassifiedAd](
				slog.Default(),
				newAggStore(streams, es.WithPageSize(333)),
			)
			loaded, err := odd.Load(t.Context(), adID)
			require.NoError(t, err)
			require.Equal(t, es.Version(n), loaded.GetVersion())
			require.Equal(t, fmt.Sprintf("revision %d", n-1), loaded.Text)
		})
	}))
}
