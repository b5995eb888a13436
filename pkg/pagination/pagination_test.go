package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithQuery(query string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?"+query, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec)
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(contextWithQuery(""))
	if p.Limit != DefaultLimit {
		t.Fatalf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Fatalf("expected offset 0, got %d", p.Offset)
	}
}

func TestFromContext_ExplicitValues(t *testing.T) {
	p := FromContext(contextWithQuery("limit=25&offset=75"))
	if p.Limit != 25 {
		t.Fatalf("expected limit 25, got %d", p.Limit)
	}
	if p.Offset != 75 {
		t.Fatalf("expected offset 75, got %d", p.Offset)
	}
}

func TestFromContext_ClampsLimit(t *testing.T) {
	p := FromContext(contextWithQuery("limit=10000"))
	if p.Limit != MaxLimit {
		t.Fatalf("expected max limit %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_RejectsGarbage(t *testing.T) {
	p := FromContext(contextWithQuery("limit=abc&offset=-5"))
	if p.Limit != DefaultLimit {
		t.Fatalf("expected default limit, got %d", p.Limit)
	}
	if p.Offset != 0 {
		t.Fatalf("expected offset 0, got %d", p.Offset)
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	r := NewResponse([]int{1, 2, 3}, 10, 3, 0)
	if !r.HasMore {
		t.Fatal("expected has_more true")
	}

	r = NewResponse([]int{1}, 10, 3, 9)
	if r.HasMore {
		t.Fatal("expected has_more false on last page")
	}
}

func TestParams_NextOffset(t *testing.T) {
	p := Params{Limit: 20, Offset: 40}
	if p.NextOffset() != 60 {
		t.Fatalf("expected 60, got %d", p.NextOffset())
	}
	if !p.HasNext(100) {
		t.Fatal("expected next page available")
	}
	if p.HasNext(60) {
		t.Fatal("expected no next page")
	}
}
