package model

// Preferences は任意にネストしたプリファレンスのキーと値の集合。
// 匿名ストアのものは変更されたキーのみを含む（疎）。
type Preferences map[string]any

// Clone はPreferencesのディープコピーを返す。
// ネストしたmapとスライスも複製する。nilの場合は空のPreferencesを返す。
func (p Preferences) Clone() Preferences {
	out := make(Preferences, len(p))
	for k, v := range p {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue はプリファレンスの値をディープコピーする。
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = CloneValue(vv)
		}
		return m
	case Preferences:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = CloneValue(vv)
		}
		return s
	default:
		return v
	}
}
