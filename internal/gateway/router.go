package gateway

import (
	"sort"
	"strings"
)

// SubsystemUnimplemented はどのルートにも一致しないフレームを受けるデフォルトのサブシステム名。
const SubsystemUnimplemented = "omega.unimplemented"

// Route は名前空間に対応するサブシステムの情報。
type Route struct {
	// Subsystem はフレームを処理するサブシステム名。
	Subsystem string
	// Description はサブシステムの説明。
	Description string
}

// RouteHint はハンドシェイク応答に含めるルーティング情報。
type RouteHint struct {
	// Namespace は正規化された名前空間キー。
	Namespace string `json:"namespace"`
	// Target はサブシステム名。
	Target string `json:"target"`
	// Exact は名前空間が完全一致したかどうか。
	Exact bool `json:"exact"`
}

// RouteTable は名前空間プレフィックスからサブシステムへの静的マッピング。
// 初期化後は読み取り専用であり、ロックなしで並行アクセスできる。
type RouteTable struct {
	routes map[string]Route
}

// NewRouteTable はデフォルトのルートテーブルを生成する。
func NewRouteTable() *RouteTable {
	return &RouteTable{
		routes: map[string]Route{
			"bank":            {Subsystem: "omega.bank.infinity", Description: "インメモリ残高台帳"},
			"bank.transfer":   {Subsystem: "omega.bank.infinity", Description: "アカウント間振替"},
			"bank.balance":    {Subsystem: "omega.bank.infinity", Description: "残高照会"},
			"dns":             {Subsystem: "omega.dns.router", Description: "Omegaパスルーター"},
			"mining":          {Subsystem: "omega.mining.dispatch", Description: "マイニングジョブのディスパッチ"},
			"mining.dispatch": {Subsystem: "omega.mining.dispatch", Description: "マイニングジョブのディスパッチ"},
			"mining.result":   {Subsystem: "omega.mining.result", Description: "マイニング結果の検証"},
			"audio":           {Subsystem: "omega.audio.stack", Description: "スピーカーエンジン"},
			"game":            {Subsystem: "omega.game.engine", Description: "シミュレーション・ゲームプレイカーネル"},
			"input":           {Subsystem: "omega.input.buffer", Description: "入力フレームバッファ"},
		},
	}
}

// Resolution はルート解決の結果。
type Resolution struct {
	// Namespace は正規化済みの要求名前空間。
	Namespace string
	// Matched は一致したルートテーブルのキー。デフォルトにフォールバックした場合は空。
	Matched string
	// Route は解決されたルート。
	Route Route
	// Exact は完全一致したかどうか。
	Exact bool
}

// Resolve は名前空間をサブシステムに解決する。
// 完全一致がない場合は末尾のセグメントを落としながら親の名前空間を探索し、
// どこにも一致しなければデフォルトの未実装ルートを返す。
// すべての名前空間が何らかのルートに解決されるため、ルート不明によるハードエラーは発生しない。
func (t *RouteTable) Resolve(namespace string) Resolution {
	key := CanonicalNamespace(namespace)

	if route, ok := t.routes[key]; ok {
		return Resolution{Namespace: key, Matched: key, Route: route, Exact: true}
	}

	segments := strings.Split(key, ".")
	for len(segments) > 1 {
		segments = segments[:len(segments)-1]
		parent := strings.Join(segments, ".")
		if route, ok := t.routes[parent]; ok {
			return Resolution{Namespace: key, Matched: parent, Route: route}
		}
	}

	return Resolution{
		Namespace: key,
		Route:     Route{Subsystem: SubsystemUnimplemented, Description: "未実装のサブシステム"},
	}
}

// Hints は指定された名前空間のルーティング情報を返す。
// 名前空間が空の場合はテーブル全体をヒントとして返す。
func (t *RouteTable) Hints(namespaces []string) []RouteHint {
	if len(namespaces) == 0 {
		hints := make([]RouteHint, 0, len(t.routes))
		for key, route := range t.routes {
			hints = append(hints, RouteHint{Namespace: key, Target: route.Subsystem, Exact: true})
		}
		sort.Slice(hints, func(i, j int) bool { return hints[i].Namespace < hints[j].Namespace })
		return hints
	}

	hints := make([]RouteHint, 0, len(namespaces))
	for _, namespace := range namespaces {
		resolution := t.Resolve(namespace)
		hints = append(hints, RouteHint{
			Namespace: resolution.Namespace,
			Target:    resolution.Route.Subsystem,
			Exact:     resolution.Exact,
		})
	}
	return hints
}

// Subsystems はテーブルに登録されたサブシステム名を重複なく返す。
// ステータス応答のwired_servicesとして使用する。
func (t *RouteTable) Subsystems() []string {
	seen := make(map[string]struct{}, len(t.routes))
	names := make([]string, 0, len(t.routes))
	for _, route := range t.routes {
		if _, ok := seen[route.Subsystem]; ok {
			continue
		}
		seen[route.Subsystem] = struct{}{}
		names = append(names, route.Subsystem)
	}
	sort.Strings(names)
	return names
}

// CanonicalNamespace は名前空間を正規化する。
// ドット・スラッシュ・セミコロン区切りのセグメントを小文字に揃え、ドット区切りで連結する。
func CanonicalNamespace(namespace string) string {
	segments := strings.FieldsFunc(namespace, func(r rune) bool {
		return r == '.' || r == '/' || r == ';'
	})
	for i, segment := range segments {
		segments[i] = strings.ToLower(strings.TrimSpace(segment))
	}
	return strings.Join(segments, ".")
}
