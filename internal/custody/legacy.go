package custody

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/rotisserie/eris"
)

// LegacyPlaintextKey is the shape older deployments stored keys in. Nothing
// in this package produces it; MigrateLegacy is its only consumer.
type LegacyPlaintextKey struct {
	Owner         common.Address
	PrivateKeyHex string
	ValidUntil    time.Time
	SpendLimit    uint256.Int
}

// MigrateLegacy encrypts a legacy key under the current master key. The
// derived owner must match the recorded one.
func (m *Manager) MigrateLegacy(ctx context.Context, legacy LegacyPlaintextKey) (KeyInfo, error) {
	raw, err := hexutil.Decode(ensure0x(strings.TrimSpace(legacy.PrivateKeyHex)))
	if err != nil {
		return KeyInfo{}, eris.Wrap(err, "custody: decode legacy key")
	}
	defer zero(raw)

	info, err := m.Import(ctx, raw, legacy.ValidUntil, legacy.SpendLimit)
	if err != nil {
		return KeyInfo{}, err
	}
	if legacy.Owner != (common.Address{}) && info.Owner != legacy.Owner {
		m.Revoke(ctx, info.Owner)
		return KeyInfo{}, eris.Errorf("custody: legacy owner %s does not match key owner %s", legacy.Owner.Hex(), info.Owner.Hex())
	}
	m.logger.Info().Str("owner", info.Owner.Hex()).Msg("legacy key migrated")
	return info, nil
}

func ensure0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
