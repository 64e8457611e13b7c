package ibge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"3tcapital/ms_nfse_emissor/internal/core/locality"
	"3tcapital/ms_nfse_emissor/internal/testutil"
)

func TestClient_ResolveMunicipality(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		switch r.URL.Path {
		case "/estados/SP/municipios":
			w.Write([]byte(`[{"id":3550308,"nome":"São Paulo"},{"id":3509502,"nome":"Campinas"}]`))
		case "/estados/XX/municipios":
			w.Write([]byte(`[]`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), testutil.NewNullLogger())
	ctx := context.Background()

	tests := []struct {
		name     string
		city     string
		state    string
		wantCode string
		wantErr  error
	}{
		{name: "exact", city: "São Paulo", state: "SP", wantCode: "3550308"},
		{name: "unaccented lowercase", city: "sao paulo", state: "sp", wantCode: "3550308"},
		{name: "other city", city: "CAMPINAS", state: "SP", wantCode: "3509502"},
		{name: "unknown city", city: "Gotham", state: "SP", wantErr: locality.ErrMunicipalityNotFound},
		{name: "unknown state", city: "Gotham", state: "XX", wantErr: locality.ErrMunicipalityNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := client.ResolveMunicipality(ctx, tt.city, tt.state)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if m.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", m.Code, tt.wantCode)
			}
		})
	}

	// SP fetched once, XX once.
	if requests != 2 {
		t.Errorf("expected 2 API requests, got %d", requests)
	}
}

func TestClient_ResolveMunicipality_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), testutil.NewNullLogger())

	if _, err := client.ResolveMunicipality(context.Background(), "Campinas", "SP"); err == nil {
		t.Error("expected error for upstream failure")
	}
	if _, err := client.ResolveMunicipality(context.Background(), "Campinas", "São Paulo"); err == nil {
		t.Error("expected error for invalid state")
	}
	if _, err := client.ResolveMunicipality(context.Background(), " ", "SP"); err == nil {
		t.Error("expected error for empty city")
	}
}
