package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"pkt.systems/showcase/schema"
)

func TestBaseSlug(t *testing.T) {
	cases := []struct {
		label string
		want  schema.Slug
	}{
		{"My Report!", "my-report-"},
		{"  Sales  2024 ", "sales-2024"},
		{"a--b__c", "a-b-c"},
		{"Q3 (draft) <v2>", "q3-draft-v2-"},
		{"plain", "plain"},
	}
	for _, tc := range cases {
		if got := BaseSlug(tc.label); got != tc.want {
			t.Fatalf("BaseSlug(%q) = %q, want %q", tc.label, got, tc.want)
		}
	}
}

func TestValidateName(t *testing.T) {
	cases := []struct {
		label string
		valid bool
		msg   string
	}{
		{"My Report!", true, ""},
		{"x", false, msgNamePattern},
		{"Q3", true, ""},
		{" a ", false, msgNamePattern},
		{"Q3 (draft) <v2> @team $5 * 2 + 1?", true, ""},
		{"   ", false, msgNameRequired},
		{"", false, msgNameRequired},
		{"!bang", false, msgNamePattern},
		{"tab\there", false, msgNamePattern},
		{"semi;colon", false, msgNamePattern},
	}
	for _, tc := range cases {
		_, err := ValidateName(tc.label)
		if tc.valid {
			if err != nil {
				t.Fatalf("ValidateName(%q) unexpected error: %v", tc.label, err)
			}
			continue
		}
		var fieldErr *schema.FieldError
		if !errors.As(err, &fieldErr) {
			t.Fatalf("ValidateName(%q) expected field error, got %v", tc.label, err)
		}
		if fieldErr.Field != "name" || fieldErr.Message != tc.msg {
			t.Fatalf("ValidateName(%q) = %+v", tc.label, fieldErr)
		}
		if !errors.Is(err, schema.ErrInvalidRequest) {
			t.Fatalf("expected field error to match ErrInvalidRequest")
		}
	}
}

func TestResolveReturnsBaseWhenFree(t *testing.T) {
	store := newFakeStore()
	slug, err := NewNameResolver(store, 0).Resolve(context.Background(), "My Report!")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if slug != "my-report-" {
		t.Fatalf("expected my-report-, got %q", slug)
	}
}

func TestResolveAppendsCounter(t *testing.T) {
	store := newFakeStore()
	store.seed(t, schema.Dashboard{Owner: "alice", Slug: "report"})
	for i := 1; i <= 4; i++ {
		store.seed(t, schema.Dashboard{Owner: "alice", Slug: schema.Slug(fmt.Sprintf("report-%d", i))})
	}
	slug, err := NewNameResolver(store, 0).Resolve(context.Background(), "Report")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if slug != "report-5" {
		t.Fatalf("expected report-5, got %q", slug)
	}
}

func TestResolveAcceptsCollisionAfterExhaustion(t *testing.T) {
	store := newFakeStore()
	store.seed(t, schema.Dashboard{Owner: "alice", Slug: "report"})
	for i := 1; i <= 100; i++ {
		store.seed(t, schema.Dashboard{Owner: "alice", Slug: schema.Slug(fmt.Sprintf("report-%d", i))})
	}
	slug, err := NewNameResolver(store, 0).Resolve(context.Background(), "Report")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if slug != "report-99" {
		t.Fatalf("expected colliding report-99 after 100 probes, got %q", slug)
	}
}

func TestResolvePropagatesStoreErrors(t *testing.T) {
	boom := errors.New("db down")
	_, err := NewNameResolver(failingFinder{err: boom}, 0).Resolve(context.Background(), "Report")
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}

type failingFinder struct {
	DashboardStore
	err error
}

func (f failingFinder) FindBySlug(context.Context, schema.Slug) (schema.Dashboard, error) {
	return schema.Dashboard{}, f.err
}
