package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hitoshi/prefsync/internal/model"
	"github.com/hitoshi/prefsync/internal/reconcile"
)

// Envelope はPDSのプリファレンスAPIのボディ形式。
type Envelope struct {
	Preferences model.Preferences `json:"preferences"`
}

// PreferenceStore はPDSを背後に持つ認証済みストア。
type PreferenceStore struct {
	client *Client
	token  string
}

// NewPreferenceStore はログイントークンに紐づくPreferenceStoreを生成する。
func NewPreferenceStore(client *Client, token string) *PreferenceStore {
	return &PreferenceStore{client: client, token: token}
}

// Get はPDSからプリファレンスを取得する。
func (s *PreferenceStore) Get(ctx context.Context) (model.Preferences, error) {
	resp, err := s.client.GetPrefs(ctx, s.token)
	if err != nil {
		return nil, err
	}
	if err := statusError("get_prefs", resp); err != nil {
		return nil, err
	}

	var env Envelope
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &env); err != nil {
			return nil, fmt.Errorf("failed to decode get_prefs response: %w", err)
		}
	}
	return env.Preferences, nil
}

// Set はPDSにプリファレンスを保存する。
func (s *PreferenceStore) Set(ctx context.Context, prefs model.Preferences) error {
	if prefs == nil {
		prefs = model.Preferences{}
	}
	body, err := json.Marshal(Envelope{Preferences: prefs})
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	resp, err := s.client.SavePrefs(ctx, s.token, body)
	if err != nil {
		return err
	}
	return statusError("save_prefs", resp)
}

func statusError(op string, resp *Response) error {
	switch {
	case resp.OK():
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return model.ErrUnauthorized
	default:
		return fmt.Errorf("%s returned status %d", op, resp.StatusCode)
	}
}

// compile-time interface check
var _ reconcile.Store = (*PreferenceStore)(nil)
