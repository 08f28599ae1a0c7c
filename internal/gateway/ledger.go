package gateway

import "sync"

// DefaultSeedBalances は起動時に台帳へ投入する初期残高。
var DefaultSeedBalances = map[string]int64{
	"COMET":   1_000_000,
	"VORTEX1": 5_000_000,
	"FUN":     80_000,
}

// Ledger はアカウントラベルから残高（ゴールド単位の整数）へのインメモリマップ。
// すべての変更は単一のミューテックスで直列化され、振替の引き落としと
// 入金は他の操作から見て原子的に行われる。永続化は行わない。
type Ledger struct {
	mu       sync.Mutex
	balances map[string]int64
}

// NewLedger は初期残高を投入した台帳を生成する。seedはnilでもよい。
func NewLedger(seed map[string]int64) *Ledger {
	balances := make(map[string]int64, len(seed))
	for account, balance := range seed {
		balances[account] = balance
	}
	return &Ledger{balances: balances}
}

// Balance はアカウントの現在残高を返す。未登場のアカウントは残高0として扱う。
func (l *Ledger) Balance(account string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

// Transfer はfromからtoへamountを振り替え、両アカウントの振替後残高を返す。
// 残高不足の場合はInsufficientFundsErrorを返し、状態は一切変更しない。
// 振替は合計残高を保存する。
func (l *Ledger) Transfer(from, to string, amount int64) (fromBalance, toBalance int64, err error) {
	if amount <= 0 {
		return 0, 0, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.balances[from]
	if current < amount {
		return 0, 0, &InsufficientFundsError{Account: from, Balance: current, Requested: amount}
	}

	l.balances[from] -= amount
	l.balances[to] += amount
	return l.balances[from], l.balances[to], nil
}

// Snapshot は診断用に全アカウントの残高のコピーを返す。
func (l *Ledger) Snapshot() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := make(map[string]int64, len(l.balances))
	for account, balance := range l.balances {
		snapshot[account] = balance
	}
	return snapshot
}
