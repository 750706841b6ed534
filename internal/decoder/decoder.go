// File: internal/decoder/decoder.go
package decoder

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/smartdevs17/sage-points-indexer/internal/models"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

// StakingABI is the event fragment of the SageStaking contract
const StakingABI = `[
	{"type":"event","name":"Deposit","anonymous":false,"inputs":[
		{"name":"user","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"nonce","type":"uint256","indexed":false},
		{"name":"timestamp","type":"uint256","indexed":false}]},
	{"type":"event","name":"InitiateWithdraw","anonymous":false,"inputs":[
		{"name":"user","type":"address","indexed":true},
		{"name":"nonce","type":"uint256","indexed":false},
		{"name":"unlocksAt","type":"uint256","indexed":false},
		{"name":"timestamp","type":"uint256","indexed":false}]},
	{"type":"event","name":"Withdraw","anonymous":false,"inputs":[
		{"name":"user","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"nonce","type":"uint256","indexed":false},
		{"name":"timestamp","type":"uint256","indexed":false}]},
	{"type":"event","name":"RestakeFromWithdrawalInitiated","anonymous":false,"inputs":[
		{"name":"user","type":"address","indexed":true},
		{"name":"nonce","type":"uint256","indexed":false},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"timestamp","type":"uint256","indexed":false}]}
]`

// Decoder maps raw contract logs to typed staking events
type Decoder struct {
	contractABI abi.ABI
	byTopic     map[common.Hash]*abi.Event
}

// New parses the staking ABI and indexes its events by topic
func New() (*Decoder, error) {
	parsed, err := abi.JSON(strings.NewReader(StakingABI))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeInternal, "Failed to parse staking ABI", err.Error())
	}

	d := &Decoder{
		contractABI: parsed,
		byTopic:     make(map[common.Hash]*abi.Event, len(parsed.Events)),
	}
	for name := range parsed.Events {
		event := parsed.Events[name]
		d.byTopic[event.ID] = &event
	}
	return d, nil
}

// MustNew is New for static initialisation; the ABI is a constant
func MustNew() *Decoder {
	d, err := New()
	if err != nil {
		panic(err)
	}
	return d
}

// ABI returns the parsed contract ABI
func (d *Decoder) ABI() abi.ABI {
	return d.contractABI
}

// Topics returns the signature hashes of every decodable event
func (d *Decoder) Topics() []common.Hash {
	topics := make([]common.Hash, 0, len(d.byTopic))
	for _, name := range []models.EventType{
		models.EventDeposit, models.EventInitiateWithdraw, models.EventWithdraw, models.EventRestake,
	} {
		topics = append(topics, d.contractABI.Events[string(name)].ID)
	}
	return topics
}

// Decode converts a raw log into a staking event
func (d *Decoder) Decode(log types.Log) (*models.StakingEvent, error) {
	if log.Removed {
		return nil, decodeError(log, "log was removed by a reorg")
	}
	if len(log.Topics) == 0 {
		return nil, decodeError(log, "log has no topics")
	}

	event, ok := d.byTopic[log.Topics[0]]
	if !ok {
		return nil, decodeError(log, fmt.Sprintf("unknown event topic %s", log.Topics[0].Hex()))
	}
	if len(log.Topics) != 2 {
		return nil, decodeError(log, fmt.Sprintf("%s expects 2 topics, got %d", event.Name, len(log.Topics)))
	}

	user, err := topicAddress(log.Topics[1])
	if err != nil {
		return nil, decodeError(log, err.Error())
	}

	values := make(map[string]interface{})
	if err := event.Inputs.NonIndexed().UnpackIntoMap(values, log.Data); err != nil {
		return nil, decodeError(log, fmt.Sprintf("unpack %s data: %v", event.Name, err))
	}

	nonce, err := nonceField(values)
	if err != nil {
		return nil, decodeError(log, err.Error())
	}
	timestamp, err := int64Field(values, "timestamp")
	if err != nil {
		return nil, decodeError(log, err.Error())
	}

	result := &models.StakingEvent{
		Type:        models.EventType(event.Name),
		User:        utils.AddressKey(user),
		Nonce:       nonce,
		Timestamp:   timestamp,
		BlockNumber: log.BlockNumber,
		LogIndex:    log.Index,
		TxHash:      log.TxHash.Hex(),
	}

	switch result.Type {
	case models.EventDeposit, models.EventWithdraw, models.EventRestake:
		amount, err := bigField(values, "amount")
		if err != nil {
			return nil, decodeError(log, err.Error())
		}
		a := decimal.NewFromBigInt(amount, 0)
		result.Amount = &a
	case models.EventInitiateWithdraw:
		unlocksAt, err := int64Field(values, "unlocksAt")
		if err != nil {
			return nil, decodeError(log, err.Error())
		}
		result.UnlocksAt = &unlocksAt
	}

	return result, nil
}

// topicAddress extracts an indexed address, rejecting dirty padding
func topicAddress(topic common.Hash) (common.Address, error) {
	for _, b := range topic[:common.HashLength-common.AddressLength] {
		if b != 0 {
			return common.Address{}, fmt.Errorf("indexed user topic %s is not a padded address", topic.Hex())
		}
	}
	return common.BytesToAddress(topic.Bytes()), nil
}

func bigField(values map[string]interface{}, name string) (*big.Int, error) {
	raw, ok := values[name]
	if !ok {
		return nil, fmt.Errorf("missing field %s", name)
	}
	v, ok := raw.(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("field %s has unexpected type %T", name, raw)
	}
	return v, nil
}

// nonceField bounds the nonce to what a signed BIGINT column orders correctly
func nonceField(values map[string]interface{}) (uint64, error) {
	v, err := bigField(values, "nonce")
	if err != nil {
		return 0, err
	}
	if v.Sign() < 0 || !v.IsInt64() {
		return 0, fmt.Errorf("field nonce=%s overflows int64", v.String())
	}
	return v.Uint64(), nil
}

func int64Field(values map[string]interface{}, name string) (int64, error) {
	v, err := bigField(values, name)
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("field %s=%s overflows int64", name, v.String())
	}
	return v.Int64(), nil
}

func decodeError(log types.Log, reason string) error {
	return utils.NewAppError(utils.ErrCodeDecode, "Failed to decode staking log",
		fmt.Sprintf("tx=%s index=%d: %s", log.TxHash.Hex(), log.Index, reason))
}
