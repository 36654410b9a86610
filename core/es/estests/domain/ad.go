// Package domain holds a small classified-ad aggregate used to exercise the
// aggregate store in tests and examples.
package domain

import (
	"errors"
	"fmt"

	"github.com/UbiquitousAS/WorkshopEventSourcing/core/es"
	"github.com/UbiquitousAS/WorkshopEventSourcing/core/es/assert"
)

type AdState string

const (
	AdStateDraft     AdState = "draft"
	AdStatePublished AdState = "published"
	AdStateSold      AdState = "sold"
)

type (
	ClassifiedAd struct {
		es.AggregateRoot

		OwnerID string
		Title   string
		Text    string
		Price   int64 // minor units
		State   AdState
	}

	AdRegistered struct {
		ID      string `json:"id"`
		OwnerID string `json:"owner_id"`
	}
	AdTitleChanged struct {
		Title string `json:"title"`
	}
	AdTextChanged struct {
		Text string `json:"text"`
	}
	AdPriceChanged struct {
		Price int64 `json:"price"`
	}
	AdPublished struct{}
	AdSold      struct {
		BuyerID string `json:"buyer_id"`
	}
)

func (e AdRegistered) Validate() error {
	if e.ID == "" {
		return errors.New("id is required")
	}
	if e.OwnerID == "" {
		return errors.New("owner id is required")
	}
	return nil
}

func (e AdPriceChanged) Validate() error {
	if e.Price <= 0 {
		return errors.New("price must be positive")
	}
	return nil
}

// RegisterTypes registers all classified-ad events with m.
func RegisterTypes(m *es.TypeMapper) {
	es.RegisterEvent[AdRegistered](m)
	es.RegisterEvent[AdTitleChanged](m)
	es.RegisterEvent[AdTextChanged](m)
	es.RegisterEvent[AdPriceChanged](m)
	es.RegisterEvent[AdPublished](m)
	es.RegisterEvent[AdSold](m)
}

func (a *ClassifiedAd) GetAggType() string { return "classified_ad" }

func (a *ClassifiedAd) Apply(event any) error {
	switch e := event.(type) {
	case *AdRegistered:
		a.SetID(e.ID)
		a.OwnerID = e.OwnerID
		a.State = AdStateDraft
	case *AdTitleChanged:
		a.Title = e.Title
	case *AdTextChanged:
		a.Text = e.Text
	case *AdPriceChanged:
		a.Price = e.Price
	case *AdPublished:
		a.State = AdStatePublished
	case *AdSold:
		a.State = AdStateSold
	default:
		return fmt.Errorf("unknown event: %T", event)
	}
	return nil
}

// === Commands ===

func (a *ClassifiedAd) Register(id, ownerID string) error {
	if err := assert.Check(
		assert.True(a.State == "", "ad is not yet registered"),
	); err != nil {
		return err
	}
	return es.RaiseAndApply(a, &AdRegistered{ID: id, OwnerID: ownerID})
}

func (a *ClassifiedAd) SetTitle(title string) error {
	if err := assert.Check(
		a.registered(),
		assert.False(a.State == AdStateSold, "ad is not sold"),
		assert.True(len(title) <= 100, "title is at most 100 characters"),
	); err != nil {
		return err
	}
	return es.RaiseAndApply(a, &AdTitleChanged{Title: title})
}

func (a *ClassifiedAd) SetText(text string) error {
	if err := assert.Check(
		a.registered(),
		assert.False(a.State == AdStateSold, "ad is not sold"),
	); err != nil {
		return err
	}
	return es.RaiseAndApply(a, &AdTextChanged{Text: text})
}

func (a *ClassifiedAd) SetPrice(price int64) error {
	if err := assert.Check(
		a.registered(),
		assert.False(a.State == AdStateSold, "ad is not sold"),
	); err != nil {
		return err
	}
	return es.RaiseAndApply(a, &AdPriceChanged{Price: price})
}

func (a *ClassifiedAd) Publish() error {
	if err := assert.Check(
		a.registered(),
		assert.True(a.State == AdStateDraft, "ad is a draft"),
		assert.True(a.Title != "", "ad has a title"),
		assert.True(a.Price > 0, "ad has a price"),
	); err != nil {
		return err
	}
	return es.RaiseAndApply(a, &AdPublished{})
}

func (a *ClassifiedAd) MarkSold(buyerID string) error {
	if err := assert.Check(
		a.registered(),
		assert.True(a.State == AdStatePublished, "ad is published"),
		assert.True(buyerID != a.OwnerID, "buyer is not the owner"),
	); err != nil {
		return err
	}
	return es.RaiseAndApply(a, &AdSold{BuyerID: buyerID})
}

func (a *ClassifiedAd) registered() assert.Cond {
	return assert.True(a.State != "", "ad is registered")
}

func NewClassifiedAd(id string) *ClassifiedAd {
	a := &ClassifiedAd{}
	a.SetID(id)
	return a
}
