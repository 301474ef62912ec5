package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"

	"orb-trader/internal/errors"
	"orb-trader/internal/models"
	"orb-trader/internal/resilience"
	"orb-trader/pkg/utils"
)

type fakeKite struct {
	mu         sync.Mutex
	profileErr error
	token      string
	intervals  []string
	froms      []time.Time
	data       []kiteconnect.HistoricalData
	instCalls  int
	instErrs   int // fail this many instrument loads first
}

func (f *fakeKite) SetAccessToken(token string) { f.token = token }

func (f *fakeKite) GetUserProfile() (kiteconnect.UserProfile, error) {
	return kiteconnect.UserProfile{UserID: "AB1234"}, f.profileErr
}

func (f *fakeKite) GetInstruments() (kiteconnect.Instruments, error) {
	f.mu.Lock()
	f.instCalls++
	fail := f.instCalls <= f.instErrs
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("NetworkException: gateway timeout")
	}
	return kiteconnect.Instruments{
		{InstrumentToken: 738561, Tradingsymbol: "RELIANCE", Exchange: "NSE", Segment: "NSE"},
		{InstrumentToken: 2953217, Tradingsymbol: "TCS", Exchange: "NSE", Segment: "NSE"},
	}, nil
}

func (f *fakeKite) GetHistoricalData(token int, interval string, from, to time.Time, continuous, oi bool) ([]kiteconnect.HistoricalData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intervals = append(f.intervals, interval)
	f.froms = append(f.froms, from)
	if token != 738561 {
		return nil, fmt.Errorf("unexpected token %d", token)
	}
	return f.data, nil
}

func newTestZerodha(fake *fakeKite) *ZerodhaSource {
	return newZerodhaSource(ZerodhaConfig{
		APIKey:       "key",
		AccessToken:  "token",
		Exchange:     models.NSE,
		Session:      utils.DefaultSession(),
		LiveMode:     LivePoll,
		BarMinutes:   5,
		PollInterval: time.Hour,
		Logger:       zerolog.Nop(),
	}, fake)
}

func TestZerodhaConnectFailure(t *testing.T) {
	fake := &fakeKite{profileErr: fmt.Errorf("TokenException: access_token=token is invalid")}
	src := newTestZerodha(fake)

	err := src.Connect(context.Background())
	if !errors.Is(err, errors.ErrConnectionFailed) {
		t.Fatalf("err = %v, want ErrConnectionFailed", err)
	}
	var dsErr *errors.DataSourceError
	if !errors.As(err, &dsErr) || dsErr.Op != errors.OpConnect {
		t.Errorf("err = %#v, want connect DataSourceError", err)
	}
	if strings.Contains(err.Error(), "=token") {
		t.Errorf("err = %v, access token leaked", err)
	}
}

func TestZerodhaConnectRequiresCredentials(t *testing.T) {
	src := newZerodhaSource(ZerodhaConfig{Logger: zerolog.Nop()}, &fakeKite{})
	if err := src.Connect(context.Background()); !errors.Is(err, errors.ErrConnectionFailed) {
		t.Errorf("err = %v, want ErrConnectionFailed", err)
	}
}

func TestZerodhaFetchHistorical(t *testing.T) {
	ist := utils.IndiaLocation
	fake := &fakeKite{data: []kiteconnect.HistoricalData{
		{Date: kitemodels.Time{Time: time.Date(2024, 3, 6, 9, 15, 0, 0, ist)}, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1200},
		{Date: kitemodels.Time{Time: time.Date(2024, 3, 6, 9, 20, 0, 0, ist)}, Open: 100.5, High: 102, Low: 98, Close: 101, Volume: 900},
	}}
	src := newTestZerodha(fake)
	ctx := context.Background()

	if _, err := src.FetchHistorical(ctx, HistoricalRequest{Symbol: "RELIANCE", Duration: "1 day", BarMinutes: 5}); !errors.Is(err, errors.ErrNotConnected) {
		t.Errorf("fetch before connect err = %v", err)
	}
	if err := src.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer src.Close()
	if fake.token != "token" {
		t.Errorf("access token not applied")
	}

	end := time.Date(2024, 3, 6, 11, 0, 0, 0, ist)
	series, err := src.FetchHistorical(ctx, HistoricalRequest{Symbol: "RELIANCE", Duration: "1 day", BarMinutes: 5, End: end})
	if err != nil {
		t.Fatalf("FetchHistorical: %v", err)
	}
	if series.Symbol != "RELIANCE" || series.Len() != 2 || series.Bars[1].High != 102 || series.Bars[0].Volume != 1200 {
		t.Errorf("unexpected series %+v", series)
	}
	if fake.intervals[0] != "5minute" {
		t.Errorf("interval = %q", fake.intervals[0])
	}
	if want := time.Date(2024, 3, 6, 9, 15, 0, 0, ist); !fake.froms[0].Equal(want) {
		t.Errorf("from = %v, want session open %v", fake.froms[0], want)
	}

	_, err = src.FetchHistorical(ctx, HistoricalRequest{Symbol: "NOPE", Duration: "1 day", BarMinutes: 5})
	if !errors.Is(err, errors.ErrSymbolNotFound) {
		t.Errorf("unknown symbol err = %v", err)
	}
	if fake.instCalls != 1 {
		t.Errorf("instrument master loaded %d times, want 1", fake.instCalls)
	}
}

func TestZerodhaPollSubscription(t *testing.T) {
	fake := &fakeKite{}
	src := newTestZerodha(fake)
	ctx := context.Background()
	if err := src.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	sub, err := src.SubscribeLive(ctx, "RELIANCE")
	if err != nil {
		t.Fatalf("SubscribeLive: %v", err)
	}
	if sub.Symbol() != "RELIANCE" {
		t.Errorf("symbol = %s", sub.Symbol())
	}
	if _, err := src.SubscribeLive(ctx, "NOPE"); !errors.Is(err, errors.ErrSymbolNotFound) {
		t.Errorf("unknown symbol err = %v", err)
	}

	if err := src.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := sub.Next(ctx); !errors.Is(err, errors.ErrStreamClosed) {
		t.Errorf("after Close err = %v, want ErrStreamClosed", err)
	}
}

func TestZerodhaHistoricalFailuresOpenBreaker(t *testing.T) {
	fake := &fakeKite{}
	src := newTestZerodha(fake)
	ctx := context.Background()
	if err := src.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	req := HistoricalRequest{Symbol: "TCS", Duration: "1 day", BarMinutes: 5}
	for i := 0; i < resilience.DefaultCircuitBreakerConfig().FailureThreshold; i++ {
		if _, err := src.FetchHistorical(ctx, req); err == nil {
			t.Fatal("expected upstream failure")
		}
	}

	fake.mu.Lock()
	calls := len(fake.intervals)
	fake.mu.Unlock()

	req.Symbol = "RELIANCE"
	_, err := src.FetchHistorical(ctx, req)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	var dsErr *errors.DataSourceError
	if !errors.As(err, &dsErr) || dsErr.Symbol != "RELIANCE" {
		t.Errorf("err = %#v, want fetch DataSourceError", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.intervals) != calls {
		t.Error("open breaker still called the API")
	}
}

func TestZerodhaRetriesInstrumentLoadAfterFailure(t *testing.T) {
	fake := &fakeKite{instErrs: 1}
	src := newTestZerodha(fake)
	ctx := context.Background()
	if err := src.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	req := HistoricalRequest{Symbol: "RELIANCE", Duration: "1 day", BarMinutes: 5}
	if _, err := src.FetchHistorical(ctx, req); err == nil {
		t.Fatal("expected instrument load failure")
	}
	if _, err := src.FetchHistorical(ctx, req); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if _, err := src.FetchHistorical(ctx, req); err != nil {
		t.Fatalf("third fetch: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.instCalls != 2 {
		t.Errorf("instrument master loaded %d times, want 2", fake.instCalls)
	}
}
