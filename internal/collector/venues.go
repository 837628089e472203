package collector

import (
	"fmt"

	"github.com/fushengyk/marketstream/internal/binance"
	"github.com/fushengyk/marketstream/internal/bybit"
	"github.com/fushengyk/marketstream/internal/config"
	"github.com/fushengyk/marketstream/internal/domain"
	"github.com/fushengyk/marketstream/internal/huobi"
	"github.com/fushengyk/marketstream/internal/multi"
	"github.com/fushengyk/marketstream/internal/pool"
	"github.com/fushengyk/marketstream/internal/poloniex"
	"github.com/fushengyk/marketstream/internal/transport"
	"github.com/fushengyk/marketstream/internal/venue"
	"go.uber.org/zap"
)

type poolConstructor func(pool.Config, transport.Factory, *zap.SugaredLogger) (*pool.Manager, error)

type multiConstructor func(multi.Config, pool.Config, transport.Factory, *zap.SugaredLogger) (*multi.Orchestrator, error)

type driver struct {
	name    string
	caps    domain.Capabilities
	newPool poolConstructor
	// newMulti is set for venues with their own multi-instance defaults.
	newMulti multiConstructor
}

var drivers = map[string]driver{
	config.VenueBinance: {
		name:     binance.Name,
		caps:     binance.New().Capabilities(),
		newPool:  binance.NewClient,
		newMulti: binance.NewMultiClient,
	},
	config.VenueBybit: {
		name:    bybit.Name,
		caps:    bybit.New().Capabilities(),
		newPool: bybit.NewClient,
	},
	config.VenuePoloniex: {
		name:    poloniex.Name,
		caps:    poloniex.New().Capabilities(),
		newPool: poloniex.NewClient,
	},
	config.VenueHuobi: {
		name:    huobi.Name,
		caps:    huobi.New().Capabilities(),
		newPool: huobi.NewClient,
	},
}

func poolConfig(vc config.VenueConfig) pool.Config {
	return pool.Config{
		URL:                  vc.WSURL,
		WatcherInterval:      vc.WatcherInterval,
		MaxSocketSubs:        vc.MaxSocketSubs,
		MaxRequestsPerSecond: vc.MaxRequestsPerSecond,
		RequestWindow:        vc.RequestWindow,
	}
}

// newClient builds the venue client: a single pool, or an orchestrator over pools when
// instance_market_limit is set.
func newClient(key string, vc config.VenueConfig, dial transport.Factory, logger *zap.SugaredLogger) (venue.Client, error) {
	d, ok := drivers[key]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", key)
	}
	pc := poolConfig(vc)
	if vc.InstanceMarketLimit <= 0 {
		m, err := d.newPool(pc, dial, logger)
		if err != nil {
			return nil, err
		}
		return m, nil
	}

	mc := multi.Config{
		Name:             d.name,
		Capabilities:     d.caps,
		PerInstanceLimit: vc.InstanceMarketLimit,
		SettleDelay:      vc.InstanceSettleDelay,
		ReconnectDelay:   vc.ReconnectDelay,
	}
	var (
		o   *multi.Orchestrator
		err error
	)
	if d.newMulti != nil {
		o, err = d.newMulti(mc, pc, dial, logger)
	} else {
		o, err = multi.New(mc, func(index int) (venue.Client, error) {
			c := pc
			c.Name = fmt.Sprintf("%s#%d", d.name, index)
			m, err := d.newPool(c, dial, logger)
			if err != nil {
				return nil, err
			}
			return m, nil
		}, logger)
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}
