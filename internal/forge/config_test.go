package forge

import (
	"strings"
	"testing"
)

func TestConfigured(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{
			name: "empty config",
			cfg:  Config{},
			want: false,
		},
		{
			name: "one complete account",
			cfg: Config{
				Accounts: []AccountConfig{
					{Name: "gh", Provider: "github", Token: "tok123"},
				},
			},
			want: true,
		},
		{
			name: "account missing token",
			cfg: Config{
				Accounts: []AccountConfig{
					{Name: "gh", Provider: "github"},
				},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.cfg.Configured()
			if got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string // empty means no error expected
	}{
		{
			name: "valid github config",
			cfg: Config{
				Accounts: []AccountConfig{
					{Name: "primary", Provider: "github", Token: "ghp_abc"},
				},
			},
		},
		{
			name: "valid multiple accounts",
			cfg: Config{
				Accounts: []AccountConfig{
					{Name: "primary", Provider: "github", Token: "ghp_abc"},
					{Name: "gitea-work", Provider: "gitea", Token: "tok", URL: "https://gitea.example.com"},
				},
			},
		},
		{
			name: "missing name",
			cfg: Config{
				Accounts: []AccountConfig{
					{Provider: "github", Token: "ghp_abc"},
				},
			},
			wantErr: "name must not be empty",
		},
		{
			name: "duplicate name",
			cfg: Config{
				Accounts: []AccountConfig{
					{Name: "dup", Provider: "github", Token: "tok1"},
					{Name: "dup", Provider: "github", Token: "tok2"},
				},
			},
			wantErr: "duplicate",
		},
		{
			name: "bad provider",
			cfg: Config{
				Accounts: []AccountConfig{
					{Name: "noprov", Provider: "bitbucket", Token: "tok"},
				},
			},
			wantErr: "provider must be",
		},
		{
			name: "missing token",
			cfg: Config{
				Accounts: []AccountConfig{
					{Name: "notok", Provider: "github"},
				},
			},
			wantErr: "token is required",
		},
		{
			name:    "empty config is valid",
			cfg:     Config{},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Accounts: []AccountConfig{
			{Name: "primary", Provider: "github", Token: "ghp_test", Owner: "myorg"},
			{Name: "secondary", Provider: "github", Token: "ghp_test2", Owner: "otherorg"},
		},
	}

	r, err := NewRegistry(cfg, nil)
	if err != nil {
		t.Fatalf("NewRegistry() unexpected error: %v", err)
	}

	// Empty name returns the first-registered (primary) account.
	p, _, err := r.Account("")
	if err != nil {
		t.Fatalf(`Account("") unexpected error: %v`, err)
	}
	if p.Name() != "github" {
		t.Errorf(`Account("").Name() = %q, want %q`, p.Name(), "github")
	}

	// Named account returns the correct provider and config.
	p2, cfg2, err := r.Account("secondary")
	if err != nil {
		t.Fatalf(`Account("secondary") unexpected error: %v`, err)
	}
	if p2.Name() != "github" {
		t.Errorf(`Account("secondary").Name() = %q, want %q`, p2.Name(), "github")
	}
	if cfg2.Owner != "otherorg" {
		t.Errorf(`Account("secondary") config.Owner = %q, want %q`, cfg2.Owner, "otherorg")
	}

	// Nonexistent account returns an error.
	if _, _, err := r.Account("nonexistent"); err == nil {
		t.Fatal(`Account("nonexistent") expected error, got nil`)
	} else if !strings.Contains(err.Error(), "no account named") {
		t.Errorf(`Account("nonexistent") error = %q, want substring %q`, err.Error(), "no account named")
	}
}

func TestNewRegistryUnknownProviderSkipped(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Accounts: []AccountConfig{
			{Name: "bad", Provider: "bitbucket", Token: "tok"},
		},
	}

	r, err := NewRegistry(cfg, nil)
	if err != nil {
		t.Fatalf("NewRegistry() unexpected error: %v", err)
	}
	if _, _, err := r.Account(""); err == nil {
		t.Fatal(`Account("") expected error for registry with no usable accounts, got nil`)
	}
}

func TestNewRegistryEmptyConfig(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(Config{}, nil)
	if err != nil {
		t.Fatalf("NewRegistry() unexpected error: %v", err)
	}

	if _, _, err := r.Account(""); err == nil {
		t.Fatal(`Account("") expected error on registry with no accounts, got nil`)
	}
}

func TestResolveRepo(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Accounts: []AccountConfig{
			{Name: "with-owner", Provider: "github", Token: "tok", Owner: "myorg"},
			{Name: "no-owner", Provider: "github", Token: "tok"},
		},
	}

	r, err := NewRegistry(cfg, nil)
	if err != nil {
		t.Fatalf("NewRegistry() unexpected error: %v", err)
	}

	tests := []struct {
		name        string
		accountName string
		repo        string
		wantOwner   string
		wantName    string
	}{
		{
			name:        "qualified repo splits on slash",
			accountName: "with-owner",
			repo:        "someowner/somerepo",
			wantOwner:   "someowner",
			wantName:    "somerepo",
		},
		{
			name:        "bare repo gets account owner prepended",
			accountName: "with-owner",
			repo:        "myrepo",
			wantOwner:   "myorg",
			wantName:    "myrepo",
		},
		{
			name:        "bare repo with no configured owner returns empty owner",
			accountName: "no-owner",
			repo:        "myrepo",
			wantOwner:   "",
			wantName:    "myrepo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, acctCfg, err := r.Account(tt.accountName)
			if err != nil {
				t.Fatalf("Account(%q) unexpected error: %v", tt.accountName, err)
			}
			owner, name := r.ResolveRepo(acctCfg, tt.repo)
			if owner != tt.wantOwner || name != tt.wantName {
				t.Errorf("ResolveRepo(%v, %q) = (%q, %q), want (%q, %q)",
					acctCfg, tt.repo, owner, name, tt.wantOwner, tt.wantName)
			}
		})
	}
}
