package decoder

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/sage-points-indexer/internal/models"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

var testUser = common.HexToAddress("0xAbCdEf0123456789aBcDeF0123456789AbCdEf01")

func packLog(t *testing.T, d *Decoder, name string, args ...interface{}) types.Log {
	t.Helper()
	event := d.ABI().Events[name]
	data, err := event.Inputs.NonIndexed().Pack(args...)
	require.NoError(t, err)

	return types.Log{
		Topics:      []common.Hash{event.ID, common.BytesToHash(testUser.Bytes())},
		Data:        data,
		BlockNumber: 1000,
		Index:       3,
		TxHash:      common.HexToHash("0x01"),
	}
}

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestTopicsMatchSignatures(t *testing.T) {
	d := MustNew()
	topics := d.Topics()
	require.Len(t, topics, 4)

	assert.Equal(t, utils.EventTopic("Deposit(address,uint256,uint256,uint256)"), topics[0])
	assert.Equal(t, utils.EventTopic("InitiateWithdraw(address,uint256,uint256,uint256)"), topics[1])
	assert.Equal(t, utils.EventTopic("Withdraw(address,uint256,uint256,uint256)"), topics[2])
	assert.Equal(t, utils.EventTopic("RestakeFromWithdrawalInitiated(address,uint256,uint256,uint256)"), topics[3])
}

func TestDecodeDeposit(t *testing.T) {
	d := MustNew()
	log := packLog(t, d, "Deposit", tokens(100), big.NewInt(7), big.NewInt(1_700_000_000))

	ev, err := d.Decode(log)
	require.NoError(t, err)

	assert.Equal(t, models.EventDeposit, ev.Type)
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", ev.User)
	assert.Equal(t, uint64(7), ev.Nonce)
	assert.Equal(t, int64(1_700_000_000), ev.Timestamp)
	require.NotNil(t, ev.Amount)
	assert.Equal(t, tokens(100).String(), ev.Amount.String())
	assert.Nil(t, ev.UnlocksAt)
	assert.Equal(t, uint64(1000), ev.BlockNumber)
	assert.Equal(t, uint(3), ev.LogIndex)
}

func TestDecodeEachEventType(t *testing.T) {
	d := MustNew()

	tests := []struct {
		name      string
		args      []interface{}
		wantType  models.EventType
		hasAmount bool
	}{
		{"InitiateWithdraw", []interface{}{big.NewInt(7), big.NewInt(1_700_604_800), big.NewInt(1_700_000_100)}, models.EventInitiateWithdraw, false},
		{"Withdraw", []interface{}{tokens(100), big.NewInt(7), big.NewInt(1_700_700_000)}, models.EventWithdraw, true},
		{"RestakeFromWithdrawalInitiated", []interface{}{big.NewInt(7), tokens(100), big.NewInt(1_700_000_200)}, models.EventRestake, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := d.Decode(packLog(t, d, tt.name, tt.args...))
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, ev.Type)
			assert.Equal(t, uint64(7), ev.Nonce)
			assert.Equal(t, tt.hasAmount, ev.Amount != nil)
			if tt.wantType == models.EventInitiateWithdraw {
				require.NotNil(t, ev.UnlocksAt)
				assert.Equal(t, int64(1_700_604_800), *ev.UnlocksAt)
			}
		})
	}
}

func TestDecodeIsDeterministic(t *testing.T) {
	d := MustNew()
	log := packLog(t, d, "Deposit", tokens(5), big.NewInt(1), big.NewInt(42))

	first, err := d.Decode(log)
	require.NoError(t, err)
	second, err := d.Decode(log)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDecodeErrors(t *testing.T) {
	d := MustNew()
	valid := packLog(t, d, "Deposit", tokens(1), big.NewInt(1), big.NewInt(1))

	unknown := valid
	unknown.Topics = []common.Hash{utils.EventTopic("Transfer(address,address,uint256)"), valid.Topics[1]}

	noUser := valid
	noUser.Topics = valid.Topics[:1]

	shortData := valid
	shortData.Data = valid.Data[:40]

	dirtyTopic := valid
	dirty := valid.Topics[1]
	dirty[0] = 0xff
	dirtyTopic.Topics = []common.Hash{valid.Topics[0], dirty}

	removed := valid
	removed.Removed = true

	hugeNonce := packLog(t, d, "Deposit", tokens(1), new(big.Int).Lsh(big.NewInt(1), 70), big.NewInt(1))
	signedNonce := packLog(t, d, "Deposit", tokens(1), new(big.Int).Lsh(big.NewInt(1), 63), big.NewInt(1))

	cases := map[string]types.Log{
		"no topics":         {TxHash: valid.TxHash},
		"unknown topic":     unknown,
		"missing user":      noUser,
		"short data":        shortData,
		"dirty address":     dirtyTopic,
		"removed":           removed,
		"nonce overflows":   hugeNonce,
		"nonce above int64": signedNonce,
	}

	for name, log := range cases {
		t.Run(name, func(t *testing.T) {
			ev, err := d.Decode(log)
			assert.Nil(t, ev)
			require.Error(t, err)
			assert.True(t, utils.IsErrorCode(err, utils.ErrCodeDecode), "got %v", err)
		})
	}
}
