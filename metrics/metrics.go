package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"powchain/blockchain"
	"powchain/events"
)

const namespace = "powchain"

// Metrics exposes ledger activity to Prometheus. Counters are driven entirely
// by bus events so the consensus code never touches them.
type Metrics struct {
	Registry *prometheus.Registry

	TxAccepted     prometheus.Counter
	TxRejected     *prometheus.CounterVec
	BlocksMined    prometheus.Counter
	BlocksAccepted *prometheus.CounterVec
	BlocksRejected *prometheus.CounterVec
	IdleWaits      prometheus.Counter
	ChainHeight    prometheus.Gauge
	Peers          prometheus.Gauge
	HTTPRequests   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		TxAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_accepted_total",
			Help:      "Transactions admitted to the pool.",
		}),
		TxRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_rejected_total",
			Help:      "Transactions rejected at admission, by failure reason.",
		}, []string{"reason"}),
		BlocksMined: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_mined_total",
			Help:      "Blocks mined locally.",
		}),
		BlocksAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_accepted_total",
			Help:      "Candidate blocks accepted as the new head.",
		}, []string{"source"}),
		BlocksRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_rejected_total",
			Help:      "Candidate blocks rejected.",
		}, []string{"source"}),
		IdleWaits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "miner_idle_waits_total",
			Help:      "Times the miner waited on an empty pool.",
		}),
		ChainHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_head_index",
			Help:      "Index of the current chain head.",
		}),
		Peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "p2p_peers",
			Help:      "Connected gossip peers.",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status.",
		}, []string{"method", "route", "status"}),
	}
}

// Attach subscribes the counters to bus. identity distinguishes blocks this
// node mined from remote ones.
func (m *Metrics) Attach(bus *events.Bus, identity string) error {
	source := func(b *blockchain.Block) string {
		if b != nil && b.Origin == identity {
			return "local"
		}
		return "remote"
	}

	subs := map[string]interface{}{
		events.TopicTxAccepted: func(blockchain.Transaction) { m.TxAccepted.Inc() },
		events.TopicTxRejected: func(r events.TxRejected) {
			for _, reason := range r.Failures {
				m.TxRejected.WithLabelValues(reason).Inc()
			}
		},
		events.TopicBlockMined: func(*blockchain.Block) { m.BlocksMined.Inc() },
		events.TopicBlockAccepted: func(v events.BlockVerdict) {
			m.BlocksAccepted.WithLabelValues(source(v.Block)).Inc()
			m.ChainHeight.Set(float64(v.Block.Index))
		},
		events.TopicBlockRejected: func(v events.BlockVerdict) {
			m.BlocksRejected.WithLabelValues(source(v.Block)).Inc()
		},
		events.TopicEmptyTxMineWait: func(int64) { m.IdleWaits.Inc() },
		events.TopicChainSynced:     func(head *blockchain.Block) { m.ChainHeight.Set(float64(head.Index)) },
	}

	for topic, handler := range subs {
		if err := bus.Subscribe(topic, handler); err != nil {
			return err
		}
	}
	return nil
}
