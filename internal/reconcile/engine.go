package reconcile

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/prefsync/internal/metrics"
	"github.com/hitoshi/prefsync/internal/model"
	"golang.org/x/sync/errgroup"
)

// Store はプリファレンスストアのインターフェース。
// Getは未保存の場合nilまたは空のPreferencesを返す。
type Store interface {
	Get(ctx context.Context) (model.Preferences, error)
	Set(ctx context.Context, prefs model.Preferences) error
}

// Stores はリクエストに紐づく匿名ストアと認証済みストアの組。
type Stores struct {
	Anonymous     Store
	Authenticated Store
}

// Engine はログイン状態の遷移に合わせてプリファレンスを統合し、Modelに反映する。
type Engine struct {
	stores   Stores
	model    *Model
	defaults model.Preferences
	metrics  metrics.MetricsCollector
}

// NewEngine はEngineを生成する。defaultsがnilの場合は組み込みの初期値を使う。
func NewEngine(stores Stores, m *Model, defaults model.Preferences, mc metrics.MetricsCollector) *Engine {
	if defaults == nil {
		defaults = Defaults()
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Engine{
		stores:   stores,
		model:    m,
		defaults: defaults.Clone(),
		metrics:  mc,
	}
}

// Model はEngineが更新するModelを返す。
func (e *Engine) Model() *Model {
	return e.model
}

func (e *Engine) active(ctx context.Context) (Store, string) {
	if IsLoggedIn(ctx) {
		return e.stores.Authenticated, "authenticated"
	}
	return e.stores.Anonymous, "anonymous"
}

// Read はログイン状態に応じたストアからプリファレンスを読む。
func (e *Engine) Read(ctx context.Context) (model.Preferences, error) {
	store, name := e.active(ctx)
	prefs, err := store.Get(ctx)
	if err != nil {
		return nil, storeError(name, err)
	}
	if prefs == nil {
		prefs = model.Preferences{}
	}
	return prefs, nil
}

// Write はログイン状態に応じたストアに書き込み、成功した場合にModelへ反映する。
func (e *Engine) Write(ctx context.Context, prefs model.Preferences) (Change, error) {
	store, name := e.active(ctx)
	if err := store.Set(ctx, prefs); err != nil {
		return Change{}, storeError(name, err)
	}
	return e.model.Replace(prefs, CauseWrite), nil
}

// OnAuthTransition はログイン状態の遷移時にプリファレンスを統合する。
//
// ログイン時は認証済みストアに匿名ストアを重ね、結果を認証済みストアに1回で保存してからModelへ反映する。
// ログアウト時は初期値に匿名ストアを重ねてModelへ反映する。
// いずれかのストアが失敗した場合はModelを変更しない。
func (e *Engine) OnAuthTransition(ctx context.Context, loggedIn bool) (Change, error) {
	kind := string(CauseLogout)
	if loggedIn {
		kind = string(CauseLogin)
	}

	change, err := e.transition(ctx, loggedIn)
	e.record(kind, err)
	return change, err
}

func (e *Engine) transition(ctx context.Context, loggedIn bool) (Change, error) {
	if !loggedIn {
		anon, err := e.read(ctx, e.stores.Anonymous, "anonymous")
		if err != nil {
			return Change{}, err
		}
		return e.model.Replace(DeepMerge(e.defaults, anon), CauseLogout), nil
	}

	var anon, authed model.Preferences
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		anon, err = e.read(gctx, e.stores.Anonymous, "anonymous")
		return err
	})
	g.Go(func() error {
		var err error
		authed, err = e.read(gctx, e.stores.Authenticated, "authenticated")
		return err
	})
	if err := g.Wait(); err != nil {
		return Change{}, err
	}

	merged := DeepMerge(authed, anon)
	if err := e.stores.Authenticated.Set(ctx, merged); err != nil {
		return Change{}, storeError("authenticated", err)
	}
	return e.model.Replace(merged, CauseLogin), nil
}

// Reset はプリファレンスを初期化する。
//
// 未ログイン時は初期値に匿名ストアを重ねる。
// ログイン時は匿名ストアを無視した初期値そのものを認証済みストアに1回で保存してから反映する。
func (e *Engine) Reset(ctx context.Context) (Change, error) {
	change, err := e.reset(ctx)
	e.record(string(CauseReset), err)
	return change, err
}

func (e *Engine) reset(ctx context.Context) (Change, error) {
	if !IsLoggedIn(ctx) {
		anon, err := e.read(ctx, e.stores.Anonymous, "anonymous")
		if err != nil {
			return Change{}, err
		}
		return e.model.Replace(DeepMerge(e.defaults, anon), CauseReset), nil
	}

	prefs := e.defaults.Clone()
	if err := e.stores.Authenticated.Set(ctx, prefs); err != nil {
		return Change{}, storeError("authenticated", err)
	}
	return e.model.Replace(prefs, CauseReset), nil
}

func (e *Engine) read(ctx context.Context, store Store, name string) (model.Preferences, error) {
	prefs, err := store.Get(ctx)
	if err != nil {
		return nil, storeError(name, err)
	}
	return prefs, nil
}

func (e *Engine) record(kind string, err error) {
	if err != nil {
		slog.Warn("preference reconciliation failed",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		e.metrics.RecordReconciliation(kind, "failure")
		return
	}
	e.metrics.RecordReconciliation(kind, "success")
}

// storeError はストアの失敗をStoreUnavailableErrorに変換する。
// 認証切れはそのまま返す。
func storeError(name string, err error) error {
	var storeErr *model.StoreUnavailableError
	if errors.Is(err, model.ErrUnauthorized) || errors.As(err, &storeErr) {
		return err
	}
	return &model.StoreUnavailableError{Store: name, Err: err}
}
