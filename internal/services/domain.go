package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/tradeflow/tflow/internal/api"
)

// Budgets serves /budgets.
type Budgets struct{ *Resource }

func (s *Budgets) GetBudgets(ctx context.Context, params map[string]string) ([]Item, error) {
	return decodeItems(s.List(ctx, params))
}

func (s *Budgets) GetBudget(ctx context.Context, id string) (Item, error) {
	return decodeItem(s.Get(ctx, id))
}

func (s *Budgets) CreateBudget(ctx context.Context, budget Item) (Item, error) {
	return decodeItem(s.Create(ctx, budget))
}

func (s *Budgets) UpdateBudget(ctx context.Context, id string, budget Item) (Item, error) {
	return decodeItem(s.Update(ctx, id, budget))
}

func (s *Budgets) DeleteBudget(ctx context.Context, id string) error {
	return s.Delete(ctx, id)
}

// TradeSpends serves /trade-spends.
type TradeSpends struct{ *Resource }

func (s *TradeSpends) GetTradeSpends(ctx context.Context, params map[string]string) ([]Item, error) {
	return decodeItems(s.List(ctx, params))
}

func (s *TradeSpends) GetTradeSpend(ctx context.Context, id string) (Item, error) {
	return decodeItem(s.Get(ctx, id))
}

func (s *TradeSpends) CreateTradeSpend(ctx context.Context, spend Item) (Item, error) {
	return decodeItem(s.Create(ctx, spend))
}

func (s *TradeSpends) UpdateTradeSpend(ctx context.Context, id string, spend Item) (Item, error) {
	return decodeItem(s.Update(ctx, id, spend))
}

func (s *TradeSpends) DeleteTradeSpend(ctx context.Context, id string) error {
	return s.Delete(ctx, id)
}

// Wallets serves /wallets.
type Wallets struct{ *Resource }

func (s *Wallets) GetWallets(ctx context.Context, params map[string]string) ([]Item, error) {
	return decodeItems(s.List(ctx, params))
}

func (s *Wallets) GetWallet(ctx context.Context, id string) (Item, error) {
	return decodeItem(s.Get(ctx, id))
}

func (s *Wallets) CreateWallet(ctx context.Context, wallet Item) (Item, error) {
	return decodeItem(s.Create(ctx, wallet))
}

func (s *Wallets) UpdateWallet(ctx context.Context, id string, wallet Item) (Item, error) {
	return decodeItem(s.Update(ctx, id, wallet))
}

func (s *Wallets) DeleteWallet(ctx context.Context, id string) error {
	return s.Delete(ctx, id)
}

// Users serves /users.
type Users struct{ *Resource }

func (s *Users) GetUsers(ctx context.Context, params map[string]string) ([]Item, error) {
	return decodeItems(s.List(ctx, params))
}

func (s *Users) GetUser(ctx context.Context, id string) (Item, error) {
	return decodeItem(s.Get(ctx, id))
}

func (s *Users) CreateUser(ctx context.Context, user Item) (Item, error) {
	return decodeItem(s.Create(ctx, user))
}

func (s *Users) UpdateUser(ctx context.Context, id string, user Item) (Item, error) {
	return decodeItem(s.Update(ctx, id, user))
}

func (s *Users) DeleteUser(ctx context.Context, id string) error {
	return s.Delete(ctx, id)
}

// Services groups the domain services sharing one request pipeline.
type Services struct {
	Budgets     *Budgets
	TradeSpends *TradeSpends
	Wallets     *Wallets
	Users       *Users

	byName map[string]*Resource
}

// New creates every domain service on top of requester.
func New(requester Requester, opts ...Option) *Services {
	s := &Services{
		Budgets:     &Budgets{NewResource(api.ResourceBudgets, requester, opts...)},
		TradeSpends: &TradeSpends{NewResource(api.ResourceTradeSpends, requester, opts...)},
		Wallets:     &Wallets{NewResource(api.ResourceWallets, requester, opts...)},
		Users:       &Users{NewResource(api.ResourceUsers, requester, opts...)},
	}
	s.byName = map[string]*Resource{
		api.ResourceBudgets:     s.Budgets.Resource,
		api.ResourceTradeSpends: s.TradeSpends.Resource,
		api.ResourceWallets:     s.Wallets.Resource,
		api.ResourceUsers:       s.Users.Resource,
	}
	return s
}

// Resource returns the service for name.
func (s *Services) Resource(name string) (*Resource, error) {
	r, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown resource %q", name)
	}
	return r, nil
}

// All returns every service, sorted by name.
func (s *Services) All() []*Resource {
	out := make([]*Resource, 0, len(s.byName))
	for _, r := range s.byName {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
