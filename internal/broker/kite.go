package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"golang.org/x/time/rate"

	apperrors "chainstream/internal/errors"
	"chainstream/internal/logging"
	"chainstream/internal/models"
)

// kiteAPI is the subset of *kiteconnect.Client used by KiteClient.
type kiteAPI interface {
	GetLTP(instruments ...string) (kiteconnect.QuoteLTP, error)
	GetOrderMargins(params kiteconnect.GetMarginParams) ([]kiteconnect.OrderMargins, error)
	GetInstrumentsByExchange(exchange string) (kiteconnect.Instruments, error)
}

// KiteClient implements QuoteSource, MarginSource and InstrumentSource over
// the Kite Connect REST API.
type KiteClient struct {
	api     kiteAPI
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// KiteClientConfig holds configuration for the REST client.
type KiteClientConfig struct {
	APIKey        string
	AccessToken   string
	RatePerSecond float64 // margin RPC budget
	Burst         int
}

// NewKiteClient creates a REST client with an authenticated session.
func NewKiteClient(cfg KiteClientConfig, logger zerolog.Logger) *KiteClient {
	client := kiteconnect.New(cfg.APIKey)
	client.SetAccessToken(cfg.AccessToken)
	return newKiteClient(client, cfg, logger)
}

func newKiteClient(api kiteAPI, cfg KiteClientConfig, logger zerolog.Logger) *KiteClient {
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &KiteClient{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger.With().Str("component", "kite").Logger(),
	}
}

type ltpResult struct {
	quotes kiteconnect.QuoteLTP
	err    error
}

// LTP returns the last traded price of an "EXCHANGE:SYMBOL" instrument.
// The REST call takes no context, so the caller's deadline is enforced
// around it; an abandoned call finishes in the background.
func (k *KiteClient) LTP(ctx context.Context, instrument string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	start := time.Now()
	done := make(chan ltpResult, 1)
	go func() {
		quotes, err := k.api.GetLTP(instrument)
		done <- ltpResult{quotes: quotes, err: err}
	}()

	var res ltpResult
	select {
	case <-ctx.Done():
		logging.LogAPICall(k.logger, "GET", "quote/ltp", time.Since(start), ctx.Err())
		return 0, apperrors.NewTransientError("kite", "ltp "+instrument, ctx.Err())
	case res = <-done:
	}
	logging.LogAPICall(k.logger, "GET", "quote/ltp", time.Since(start), res.err)
	if res.err != nil {
		return 0, apperrors.NewTransientError("kite", "ltp "+instrument, res.err)
	}
	q, ok := res.quotes[instrument]
	if !ok || q.LastPrice <= 0 {
		return 0, apperrors.NewTransientError("kite", "ltp "+instrument, fmt.Errorf("no price returned"))
	}
	return q.LastPrice, nil
}

// OrderMargins quotes the SELL NRML market margin of one lot per symbol.
// Each call waits on the rate limiter before reaching the API.
func (k *KiteClient) OrderMargins(ctx context.Context, reqs []MarginRequest) (map[string]float64, error) {
	if len(reqs) == 0 {
		return map[string]float64{}, nil
	}
	if err := k.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	margins, err := k.api.GetOrderMargins(kiteconnect.GetMarginParams{
		OrderParams: marginParams(reqs),
		Compact:     true,
	})
	logging.LogAPICall(k.logger, "POST", "margins/orders", time.Since(start), err)
	if err != nil {
		return nil, apperrors.NewTransientError("kite", "order margins", err)
	}

	out := make(map[string]float64, len(margins))
	for _, m := range margins {
		out[m.TradingSymbol] = m.Total
	}
	return out, nil
}

func marginParams(reqs []MarginRequest) []kiteconnect.OrderMarginParam {
	params := make([]kiteconnect.OrderMarginParam, len(reqs))
	for i, r := range reqs {
		qty := r.Quantity
		if qty <= 0 {
			qty = 1
		}
		params[i] = kiteconnect.OrderMarginParam{
			Exchange:        string(r.Exchange),
			Tradingsymbol:   r.TradingSymbol,
			TransactionType: kiteconnect.TransactionTypeSell,
			Variety:         kiteconnect.VarietyRegular,
			Product:         kiteconnect.ProductNRML,
			OrderType:       kiteconnect.OrderTypeMarket,
			Quantity:        float64(qty),
		}
	}
	return params
}

// FetchInstruments downloads the instrument master for an exchange and keeps
// the futures and options of the given underlyings.
func (k *KiteClient) FetchInstruments(ctx context.Context, exchange models.Exchange, underlyings []string) ([]models.Instrument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	all, err := k.api.GetInstrumentsByExchange(string(exchange))
	logging.LogAPICall(k.logger, "GET", "instruments/"+string(exchange), time.Since(start), err)
	if err != nil {
		return nil, apperrors.NewTransientError("kite", "instruments", err)
	}

	wanted := make(map[string]struct{}, len(underlyings))
	for _, u := range underlyings {
		wanted[strings.ToUpper(u)] = struct{}{}
	}

	var result []models.Instrument
	for _, inst := range all {
		converted, ok := instrumentFromKite(inst)
		if !ok {
			continue
		}
		if _, ok := wanted[converted.Underlying]; !ok && len(wanted) > 0 {
			continue
		}
		result = append(result, converted)
	}
	return result, nil
}

// instrumentFromKite converts a Kite instrument, rejecting anything that is
// not a dated future or option.
func instrumentFromKite(inst kiteconnect.Instrument) (models.Instrument, bool) {
	kind := models.InstrumentKind(inst.InstrumentType)
	if !kind.Valid() || inst.Expiry.Time.IsZero() || inst.InstrumentToken <= 0 {
		return models.Instrument{}, false
	}
	strike := inst.StrikePrice
	if kind == models.KindFuture {
		strike = 0
	}
	lot := int(inst.LotSize)
	if lot <= 0 {
		lot = 1
	}
	return models.Instrument{
		Token:         uint32(inst.InstrumentToken),
		TradingSymbol: inst.Tradingsymbol,
		Underlying:    strings.ToUpper(inst.Name),
		Kind:          kind,
		Exchange:      models.Exchange(inst.Exchange),
		Expiry:        inst.Expiry.Time,
		Strike:        strike,
		LotSize:       lot,
		TickSize:      inst.TickSize,
	}, true
}

var (
	_ QuoteSource      = (*KiteClient)(nil)
	_ MarginSource     = (*KiteClient)(nil)
	_ InstrumentSource = (*KiteClient)(nil)
)
