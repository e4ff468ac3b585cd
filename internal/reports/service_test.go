package reports

import (
	"context"
	"errors"
	"testing"

	apperrors "github.com/RegistryAccord/registryaccord-fieldsync-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/rpc"
)

type fakeSession struct {
	token  string
	err    error
	marked int
}

func (s *fakeSession) EnsureSession(context.Context) (string, error) { return s.token, s.err }

func (s *fakeSession) MarkDeactivatedFromServer(context.Context) error {
	s.marked++
	return nil
}

// fakeCentral answers ListOpen and MarkDone; the other calls are unused here.
type fakeCentral struct {
	items    []model.OpenReport
	err      error
	tokens   []string
	category model.Category
	done     []string
}

func (f *fakeCentral) ListOpen(_ context.Context, token string, category model.Category) ([]model.OpenReport, error) {
	f.tokens = append(f.tokens, token)
	f.category = category
	return f.items, f.err
}

func (f *fakeCentral) MarkDone(_ context.Context, token, id string) error {
	f.tokens = append(f.tokens, token)
	if f.err != nil {
		return f.err
	}
	f.done = append(f.done, id)
	return nil
}

func (f *fakeCentral) Register(context.Context, rpc.RegisterRequest) (model.DeviceStatus, error) {
	return "", errors.New("not used")
}

func (f *fakeCentral) Status(context.Context, string) (rpc.StatusResponse, error) {
	return rpc.StatusResponse{}, errors.New("not used")
}

func (f *fakeCentral) Challenge(context.Context, string) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeCentral) Verify(context.Context, rpc.VerifyRequest) (rpc.VerifyResponse, error) {
	return rpc.VerifyResponse{}, errors.New("not used")
}

func (f *fakeCentral) CreateReport(context.Context, string, rpc.CreateReportRequest) (rpc.CreateReportResponse, error) {
	return rpc.CreateReportResponse{}, errors.New("not used")
}

func (f *fakeCentral) NewSince(context.Context, string, rpc.NewSinceRequest) (model.PollResult, error) {
	return model.PollResult{}, errors.New("not used")
}

func TestListOpen(t *testing.T) {
	central := &fakeCentral{items: []model.OpenReport{{ID: "r1", Room: 12, Category: model.CategoryIssue}}}
	svc := NewService(central, &fakeSession{token: "tok"}, nil)

	items, err := svc.ListOpen(context.Background(), model.CategoryIssue)
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(items) != 1 || items[0].ID != "r1" {
		t.Errorf("items = %+v, want r1", items)
	}
	if central.category != model.CategoryIssue || central.tokens[0] != "tok" {
		t.Errorf("call = %s with %q, want ISSUE with tok", central.category, central.tokens[0])
	}
}

func TestListOpenEmptyIsNotNil(t *testing.T) {
	svc := NewService(&fakeCentral{}, &fakeSession{token: "tok"}, nil)
	items, err := svc.ListOpen(context.Background(), model.CategoryFind)
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if items == nil {
		t.Errorf("items = nil, want empty slice")
	}
}

func TestListOpenRejectsUnknownCategory(t *testing.T) {
	central := &fakeCentral{}
	svc := NewService(central, &fakeSession{token: "tok"}, nil)
	_, err := svc.ListOpen(context.Background(), model.Category("LOST"))
	if !apperrors.Is(err, apperrors.KindValidation) {
		t.Fatalf("ListOpen error = %v, want %s", err, apperrors.KindValidation)
	}
	if len(central.tokens) != 0 {
		t.Errorf("server called for an invalid category")
	}
}

func TestRequiresSession(t *testing.T) {
	central := &fakeCentral{}
	session := &fakeSession{}
	svc := NewService(central, session, nil)

	if _, err := svc.ListOpen(context.Background(), model.CategoryFind); !apperrors.Is(err, apperrors.KindAuthRejected) {
		t.Errorf("ListOpen error = %v, want %s", err, apperrors.KindAuthRejected)
	}
	if err := svc.MarkDone(context.Background(), "r1"); !apperrors.Is(err, apperrors.KindAuthRejected) {
		t.Errorf("MarkDone error = %v, want %s", err, apperrors.KindAuthRejected)
	}
	if len(central.tokens) != 0 {
		t.Errorf("server called %d times without a session", len(central.tokens))
	}
	if session.marked != 0 {
		t.Errorf("marked = %d, a missing local session must not downgrade trust", session.marked)
	}
}

func TestMarkDone(t *testing.T) {
	central := &fakeCentral{}
	svc := NewService(central, &fakeSession{token: "tok"}, nil)

	if err := svc.MarkDone(context.Background(), " r7 "); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if len(central.done) != 1 || central.done[0] != "r7" {
		t.Errorf("done = %v, want [r7]", central.done)
	}
	if err := svc.MarkDone(context.Background(), ""); !apperrors.Is(err, apperrors.KindValidation) {
		t.Errorf("MarkDone(\"\") error = %v, want %s", err, apperrors.KindValidation)
	}
}

func TestAuthRejectionDowngradesTrust(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantMarked int
	}{
		{"forbidden", apperrors.New(apperrors.KindAuthRejected, "reports.list_open", "403"), 1},
		{"transient", apperrors.New(apperrors.KindTransient, "reports.list_open", "503"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := &fakeSession{token: "tok"}
			svc := NewService(&fakeCentral{err: tt.err}, session, nil)

			if _, err := svc.ListOpen(context.Background(), model.CategoryFind); !errors.Is(err, tt.err) {
				t.Errorf("ListOpen error = %v, want %v", err, tt.err)
			}
			if err := svc.MarkDone(context.Background(), "r1"); !errors.Is(err, tt.err) {
				t.Errorf("MarkDone error = %v, want %v", err, tt.err)
			}
			if session.marked != 2*tt.wantMarked {
				t.Errorf("marked = %d, want %d", session.marked, 2*tt.wantMarked)
			}
		})
	}
}
