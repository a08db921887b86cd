// Package events carries the ledger's domain notifications. Handlers
// registered with Subscribe run synchronously on the publisher's goroutine
// while the bus is locked, so they must return quickly and must not publish
// or subscribe on the same bus. Anything slower belongs in SubscribeAsync.
package events

import (
	evbus "github.com/asaskevich/EventBus"

	"powchain/blockchain"
)

const (
	TopicTxAccepted      = "tx-accepted"
	TopicTxRejected      = "tx-rejected"
	TopicBlockMined      = "block-mined"
	TopicBlockAccepted   = "block-accepted"
	TopicBlockRejected   = "block-rejected"
	TopicEmptyTxMineWait = "empty-tx-mine-wait"
	TopicChainSynced     = "chain-synced"
)

// Topics lists every topic in publication order of a typical mining round
var Topics = []string{
	TopicTxAccepted,
	TopicTxRejected,
	TopicEmptyTxMineWait,
	TopicBlockMined,
	TopicBlockAccepted,
	TopicBlockRejected,
	TopicChainSynced,
}

// TxRejected is the payload of tx-rejected
type TxRejected struct {
	Transaction blockchain.Transaction `json:"transaction"`
	Failures    []string               `json:"failures"`
}

// BlockVerdict is the payload of block-accepted and block-rejected. Validator
// is the identity of the node that judged the block.
type BlockVerdict struct {
	Block     *blockchain.Block `json:"block"`
	Validator string            `json:"validator"`
}

type Bus struct {
	bus evbus.Bus
}

func NewBus() *Bus {
	return &Bus{bus: evbus.New()}
}

func (b *Bus) Subscribe(topic string, handler interface{}) error {
	return b.bus.Subscribe(topic, handler)
}

// SubscribeAsync runs handler on its own goroutine per event. Publishers
// never wait on it, so delivery order across events is not guaranteed.
func (b *Bus) SubscribeAsync(topic string, handler interface{}) error {
	return b.bus.SubscribeAsync(topic, handler, false)
}

func (b *Bus) Unsubscribe(topic string, handler interface{}) error {
	return b.bus.Unsubscribe(topic, handler)
}

func (b *Bus) HasSubscribers(topic string) bool {
	return b.bus.HasCallback(topic)
}

// WaitAsync blocks until every async handler has returned
func (b *Bus) WaitAsync() {
	b.bus.WaitAsync()
}

func (b *Bus) PublishTxAccepted(tx blockchain.Transaction) {
	b.bus.Publish(TopicTxAccepted, tx)
}

func (b *Bus) PublishTxRejected(tx blockchain.Transaction, failures []string) {
	b.bus.Publish(TopicTxRejected, TxRejected{Transaction: tx, Failures: failures})
}

func (b *Bus) PublishBlockMined(block *blockchain.Block) {
	b.bus.Publish(TopicBlockMined, block)
}

func (b *Bus) PublishBlockAccepted(block *blockchain.Block, validator string) {
	b.bus.Publish(TopicBlockAccepted, BlockVerdict{Block: block, Validator: validator})
}

func (b *Bus) PublishBlockRejected(block *blockchain.Block, validator string) {
	b.bus.Publish(TopicBlockRejected, BlockVerdict{Block: block, Validator: validator})
}

// PublishEmptyTxMineWait announces an idle wait of waitMillis milliseconds
// PublishChainSynced announces the head of a chain installed from a peer
func (b *Bus) PublishChainSynced(head *blockchain.Block) {
	b.bus.Publish(TopicChainSynced, head)
}

func (b *Bus) PublishEmptyTxMineWait(waitMillis int64) {
	b.bus.Publish(TopicEmptyTxMineWait, waitMillis)
}
