// FILE: metrics.go
// Package metrics – Prometheus metrics for observability.
//
// Exposes the metrics the engine updates during operation:
//   • scalper_cycles_total{result}              – Poll cycles (ok|abstain|error)
//   • scalper_abstentions_total{stage,reason}   – Why a cycle produced no order
//   • scalper_intents_total{side}               – Intents produced by the evaluator
//   • scalper_orders_total{mode,side,outcome}   – Terminal order outcomes (mode: live|shadow|close)
//   • scalper_submit_attempts_total{fill}       – Venue submissions, retries included
//   • scalper_position_closes_total{result}     – Closed positions observed (win|loss)
//   • scalper_equity / scalper_balance          – Account snapshot (gauges)
//   • scalper_spread_points                     – Last observed spread
//   • scalper_daily_trades / scalper_consecutive_losses / scalper_daily_pnl
//   • scalper_connected                         – 1 when the venue answers, 0 when disconnected
//   • scalper_events_dropped_total              – Events dropped because no one was reading
//
// These are registered in init() and served by Handler() at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mtxCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_cycles_total",
			Help: "Poll cycles by result",
		},
		[]string{"result"},
	)

	mtxAbstentions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_abstentions_total",
			Help: "Cycles that produced no order, by pipeline stage and reason",
		},
		[]string{"stage", "reason"},
	)

	mtxIntents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_intents_total",
			Help: "Trading intents produced",
		},
		[]string{"side"},
	)

	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_orders_total",
			Help: "Terminal order outcomes",
		},
		[]string{"mode", "side", "outcome"},
	)

	mtxSubmitAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_submit_attempts_total",
			Help: "Order submissions sent to the venue, retries included",
		},
		[]string{"fill"},
	)

	mtxCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_position_closes_total",
			Help: "Closed positions observed, by result (win|loss)",
		},
		[]string{"result"},
	)

	mtxEquity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scalper_equity",
		Help: "Account equity in account currency",
	})
	mtxBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scalper_balance",
		Help: "Account balance in account currency",
	})
	mtxSpread = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scalper_spread_points",
		Help: "Last observed spread in points",
	})
	mtxDailyTrades = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scalper_daily_trades",
		Help: "Orders accepted today",
	})
	mtxConsecLosses = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scalper_consecutive_losses",
		Help: "Current losing streak",
	})
	mtxDailyPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scalper_daily_pnl",
		Help: "Realized profit today in account currency",
	})
	mtxConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scalper_connected",
		Help: "1 when the venue is reachable, 0 when disconnected",
	})

	mtxEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scalper_events_dropped_total",
		Help: "Engine events dropped because the subscriber fell behind",
	})
)

func init() {
	prometheus.MustRegister(mtxCycles, mtxAbstentions, mtxIntents, mtxOrders, mtxSubmitAttempts, mtxCloses)
	prometheus.MustRegister(mtxEquity, mtxBalance, mtxSpread)
	prometheus.MustRegister(mtxDailyTrades, mtxConsecLosses, mtxDailyPnL, mtxConnected)
	prometheus.MustRegister(mtxEventsDropped)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler { return promhttp.Handler() }

func IncCycle(result string)              { mtxCycles.WithLabelValues(result).Inc() }
func IncAbstention(stage, reason string)  { mtxAbstentions.WithLabelValues(stage, reason).Inc() }
func IncIntent(side string)               { mtxIntents.WithLabelValues(side).Inc() }
func IncOrder(mode, side, outcome string) { mtxOrders.WithLabelValues(mode, side, outcome).Inc() }
func IncSubmitAttempt(fill string)        { mtxSubmitAttempts.WithLabelValues(fill).Inc() }
func IncEventsDropped()                   { mtxEventsDropped.Inc() }
func SetSpread(points float64)            { mtxSpread.Set(points) }

// SetAccount mirrors the latest account snapshot.
func SetAccount(balance, equity float64) {
	mtxBalance.Set(balance)
	mtxEquity.Set(equity)
}

// ObserveClose counts a closed position as a win or a loss.
func ObserveClose(profit float64) {
	if profit < 0 {
		mtxCloses.WithLabelValues("loss").Inc()
		return
	}
	mtxCloses.WithLabelValues("win").Inc()
}

// SetRisk mirrors the day's risk counters.
func SetRisk(dailyTrades, consecutiveLosses int, dailyPnL float64) {
	mtxDailyTrades.Set(float64(dailyTrades))
	mtxConsecLosses.Set(float64(consecutiveLosses))
	mtxDailyPnL.Set(dailyPnL)
}

// SetConnected flips the connectivity gauge.
func SetConnected(ok bool) {
	if ok {
		mtxConnected.Set(1)
		return
	}
	mtxConnected.Set(0)
}
