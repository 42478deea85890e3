package reconcile

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/prefsync/internal/model"
)

//go:embed defaults.json
var defaultsJSON []byte

// Defaults は組み込みの初期プリファレンスを返す。呼び出しごとに新しいマップを返す。
func Defaults() model.Preferences {
	prefs, err := ParseDefaults(defaultsJSON)
	if err != nil {
		panic(fmt.Sprintf("embedded defaults.json is invalid: %v", err))
	}
	return prefs
}

// ParseDefaults はJSONオブジェクトを初期プリファレンスとして読み込む。
func ParseDefaults(raw []byte) (model.Preferences, error) {
	prefs := model.Preferences{}
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return nil, err
	}
	return prefs, nil
}

// DeepMerge はbaseにoverlayを再帰的に重ねた新しいマップを返す。
//
// 同じキーはoverlayが勝つ。両方がマップの場合のみ再帰し、それ以外（配列を含む）は置き換える。
// 戻り値は入力と一切メモリを共有しない。
func DeepMerge(base, overlay model.Preferences) model.Preferences {
	out := base.Clone()
	for k, v := range overlay {
		if ov, ok := asMap(v); ok {
			if bv, ok := asMap(out[k]); ok {
				out[k] = map[string]any(DeepMerge(bv, ov))
				continue
			}
		}
		out[k] = model.CloneValue(v)
	}
	return out
}

func asMap(v any) (model.Preferences, bool) {
	switch m := v.(type) {
	case map[string]any:
		return model.Preferences(m), true
	case model.Preferences:
		return m, true
	default:
		return nil, false
	}
}
