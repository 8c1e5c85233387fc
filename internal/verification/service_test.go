package verification

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/storeauth/internal/metrics"
	"github.com/hitoshi/storeauth/internal/model"
	"github.com/hitoshi/storeauth/internal/repository/repotest"
	"github.com/hitoshi/storeauth/internal/worker/scheduler"
)

type mockSMS struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (m *mockSMS) SendSMS(ctx context.Context, phoneNumber, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, phoneNumber+"|"+body)
	return m.err
}

type failingScheduler struct{}

func (failingScheduler) Schedule(ctx context.Context, delay time.Duration, jobType scheduler.JobType, accountID string) (*scheduler.Job, error) {
	return nil, errors.New("redis down")
}

type testEnv struct {
	store   *repotest.Store
	sms     *mockSMS
	queue   *scheduler.RedisScheduler
	poller  *scheduler.Poller
	service *Service
	clock   *time.Time
	reg     *prometheus.Registry
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	env := &testEnv{store: repotest.NewStore(), sms: &mockSMS{}, clock: &clock}
	env.queue = scheduler.NewRedisScheduler(rdb, "", discardLogger()).WithClock(func() time.Time { return *env.clock })

	env.reg = prometheus.NewRegistry()
	mc := metrics.NewCollector(env.reg)
	env.service = NewService(env.store, env.sms, env.queue, mc, discardLogger(), 0)
	env.service.now = func() time.Time { return *env.clock }

	env.poller = scheduler.NewPoller(env.queue, discardLogger(), mc, 10, 1)
	env.poller.Register(scheduler.JobClearVerificationCode, scheduler.HandlerFunc(env.service.HandleClearJob))

	env.store.Put(&model.Account{ID: "acc-1", Email: "a@example.com", PhoneNumber: "+819012345678"})
	env.store.Put(&model.Account{ID: "acc-nophone", Email: "b@example.com"})
	return env
}

func (e *testEnv) advance(d time.Duration) {
	*e.clock = e.clock.Add(d)
}

func (e *testEnv) account(t *testing.T, id string) *model.Account {
	t.Helper()
	a, err := e.store.FindByID(context.Background(), id)
	if err != nil || a == nil {
		t.Fatalf("FindByID(%s) = %v, %v", id, a, err)
	}
	return a
}

// verificationCount はphone_verifications_totalのresult別の値を返す。未記録なら0。
func (e *testEnv) verificationCount(t *testing.T, result string) float64 {
	t.Helper()
	families, err := e.reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "storeauth_phone_verifications_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "result" && lp.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func assertAPIError(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != code {
		t.Fatalf("err = %v, want %s", err, code)
	}
}

func TestGenerateCode_Range(t *testing.T) {
	for i := 0; i < 1000; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("GenerateCode: %v", err)
		}
		if len(code) != 6 || code < "100000" || code > "999999" {
			t.Fatalf("code = %q, want 100000-999999", code)
		}
	}
}

func TestService_RequestAndConfirm(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.service.RequestVerification(ctx, "acc-1"); err != nil {
		t.Fatalf("RequestVerification: %v", err)
	}
	code := env.account(t, "acc-1").VerificationCode
	if len(code) != 6 {
		t.Fatalf("VerificationCode = %q", code)
	}
	if len(env.sms.sent) != 1 || !strings.HasPrefix(env.sms.sent[0], "+819012345678|") || !strings.Contains(env.sms.sent[0], code) {
		t.Errorf("sms = %v", env.sms.sent)
	}
	if pending, _ := env.queue.Pending(ctx); pending != 1 {
		t.Errorf("pending jobs = %d, want 1", pending)
	}

	// 不一致はPendingのまま
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	assertAPIError(t, env.service.ConfirmVerification(ctx, "acc-1", wrong), model.ErrCodeCodeMismatch)
	if env.account(t, "acc-1").VerificationCode != code {
		t.Error("不一致後もコードは残ること")
	}

	if err := env.service.ConfirmVerification(ctx, "acc-1", code); err != nil {
		t.Fatalf("ConfirmVerification: %v", err)
	}
	a := env.account(t, "acc-1")
	if !a.PhoneNumberConfirmed || a.VerificationCode != "" {
		t.Errorf("confirmed=%v code=%q", a.PhoneNumberConfirmed, a.VerificationCode)
	}

	// 確認後に消去ジョブが実行されても確認済みは維持される
	env.advance(2 * time.Minute)
	if n, err := env.poller.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	if !env.account(t, "acc-1").PhoneNumberConfirmed {
		t.Error("消去ジョブが確認済みフラグを戻してはならない")
	}
}

func TestService_CodeExpiresAfterTTL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.service.RequestVerification(ctx, "acc-1"); err != nil {
		t.Fatalf("RequestVerification: %v", err)
	}
	code := env.account(t, "acc-1").VerificationCode

	env.advance(2*time.Minute - time.Second)
	if n, _ := env.poller.RunOnce(ctx); n != 0 {
		t.Errorf("期限前にジョブが実行された: %d", n)
	}

	env.advance(time.Second)
	if n, _ := env.poller.RunOnce(ctx); n != 1 {
		t.Fatalf("期限到来時にジョブが実行されること: %d", n)
	}

	assertAPIError(t, env.service.ConfirmVerification(ctx, "acc-1", code), model.ErrCodeNoActiveChallenge)
	if env.account(t, "acc-1").PhoneNumberConfirmed {
		t.Error("失効後は確認済みにならない")
	}
}

func TestService_ReissueOverwritesAndOldJobClears(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.service.RequestVerification(ctx, "acc-1"); err != nil {
		t.Fatalf("RequestVerification: %v", err)
	}
	env.advance(time.Minute)
	if err := env.service.RequestVerification(ctx, "acc-1"); err != nil {
		t.Fatalf("RequestVerification(2): %v", err)
	}
	second := env.account(t, "acc-1").VerificationCode
	if pending, _ := env.queue.Pending(ctx); pending != 2 {
		t.Errorf("pending = %d, want 2", pending)
	}

	// 1回目のジョブは2回目のコードも消去する
	env.advance(time.Minute)
	if n, _ := env.poller.RunOnce(ctx); n != 1 {
		t.Fatalf("RunOnce = %d, want 1", n)
	}
	assertAPIError(t, env.service.ConfirmVerification(ctx, "acc-1", second), model.ErrCodeNoActiveChallenge)
}

func TestService_RequestWithoutPhoneNumber(t *testing.T) {
	env := newTestEnv(t)
	assertAPIError(t, env.service.RequestVerification(context.Background(), "acc-nophone"), model.ErrCodeNoPhoneNumber)
	if len(env.sms.sent) != 0 {
		t.Error("SMSを送信してはならない")
	}
}

func TestService_ConfirmWithoutChallenge(t *testing.T) {
	env := newTestEnv(t)
	assertAPIError(t, env.service.ConfirmVerification(context.Background(), "acc-1", "123456"), model.ErrCodeNoActiveChallenge)
}

func TestService_UnknownAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	assertAPIError(t, env.service.RequestVerification(ctx, "missing"), model.ErrCodeAccountNotFound)
	assertAPIError(t, env.service.ConfirmVerification(ctx, "missing", "123456"), model.ErrCodeAccountNotFound)
}

func TestService_SMSFailureIsNotPropagated(t *testing.T) {
	env := newTestEnv(t)
	env.sms.err = errors.New("gateway down")

	if err := env.service.RequestVerification(context.Background(), "acc-1"); err != nil {
		t.Errorf("SMS送信失敗はエラーにしない: %v", err)
	}
}

func TestService_ScheduleFailureRevokesCode(t *testing.T) {
	env := newTestEnv(t)
	env.service.jobs = failingScheduler{}

	assertAPIError(t, env.service.RequestVerification(context.Background(), "acc-1"), model.ErrCodeExternalDependencyFailure)
	if env.account(t, "acc-1").VerificationCode != "" {
		t.Error("消去ジョブを登録できないコードは残さない")
	}
	if len(env.sms.sent) != 0 {
		t.Error("SMSを送信してはならない")
	}
}

func TestService_ClearJobAfterAccountDeletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.service.RequestVerification(ctx, "acc-1"); err != nil {
		t.Fatalf("RequestVerification: %v", err)
	}
	if err := env.store.DeleteByID(ctx, "acc-1"); err != nil {
		t.Fatalf("DeleteByID: %v", err)
	}

	env.advance(2 * time.Minute)
	if n, err := env.poller.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	if pending, _ := env.queue.Pending(ctx); pending != 0 {
		t.Errorf("削除済みアカウントのジョブは再試行しない: pending=%d", pending)
	}
}

func TestService_ClearJobCountsOnlyRealExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 確認済みのコードに対する消去ジョブは失効として数えない
	if err := env.service.RequestVerification(ctx, "acc-1"); err != nil {
		t.Fatalf("RequestVerification: %v", err)
	}
	code := env.account(t, "acc-1").VerificationCode
	if err := env.service.ConfirmVerification(ctx, "acc-1", code); err != nil {
		t.Fatalf("ConfirmVerification: %v", err)
	}
	env.advance(2 * time.Minute)
	if n, err := env.poller.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	if got := env.verificationCount(t, "expired"); got != 0 {
		t.Errorf("expired = %v, want 0", got)
	}

	// 未確認のコードが消去された場合のみ数える
	if err := env.service.RequestVerification(ctx, "acc-1"); err != nil {
		t.Fatalf("RequestVerification: %v", err)
	}
	env.advance(2 * time.Minute)
	if n, err := env.poller.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	if got := env.verificationCount(t, "expired"); got != 1 {
		t.Errorf("expired = %v, want 1", got)
	}
}
