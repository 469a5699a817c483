package store

import (
	"context"
	"testing"
	"time"

	"maestro/pkg/models"
)

func TestGrantsAndWildcard(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.EnsurePrincipal(ctx, "main", models.PrincipalAgent); err != nil {
		t.Fatalf("EnsurePrincipal() error = %v", err)
	}
	if err := s.GrantPermission(ctx, "main", "echo"); err != nil {
		t.Fatalf("GrantPermission() error = %v", err)
	}

	ok, err := s.HasGrant(ctx, "main", "echo")
	if err != nil {
		t.Fatalf("HasGrant() error = %v", err)
	}
	if !ok {
		t.Fatal("HasGrant(echo) = false, want true")
	}
	ok, _ = s.HasGrant(ctx, "main", "host.exec")
	if ok {
		t.Fatal("HasGrant(host.exec) = true without grant")
	}

	if err := s.GrantPermission(ctx, "main", models.PermissionWildcard); err != nil {
		t.Fatalf("GrantPermission(*) error = %v", err)
	}
	ok, _ = s.HasGrant(ctx, "main", "host.exec")
	if !ok {
		t.Fatal("HasGrant(host.exec) = false with wildcard")
	}

	if err := s.RevokePermission(ctx, "main", models.PermissionWildcard); err != nil {
		t.Fatalf("RevokePermission() error = %v", err)
	}
	ok, _ = s.HasGrant(ctx, "main", "host.exec")
	if ok {
		t.Fatal("HasGrant(host.exec) = true after revoke")
	}
}

func TestGovernanceDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	g, err := s.GetGovernance(ctx, "worker_1")
	if err != nil {
		t.Fatalf("GetGovernance() error = %v", err)
	}
	if g.RiskTier != models.RiskLow || g.MaxActionsPerStep != 16 || len(g.AllowedPaths) != 0 {
		t.Fatalf("GetGovernance() defaults = %+v", g)
	}

	if _, err := s.EnsurePrincipal(ctx, "worker_1", models.PrincipalAgent); err != nil {
		t.Fatalf("EnsurePrincipal() error = %v", err)
	}
	want := models.AgentGovernance{
		PrincipalID:       "worker_1",
		RiskTier:          models.RiskMedium,
		MaxActionsPerStep: 4,
		AllowedPaths:      []string{"/srv/app"},
	}
	if err := s.SetGovernance(ctx, want); err != nil {
		t.Fatalf("SetGovernance() error = %v", err)
	}
	g, err = s.GetGovernance(ctx, "worker_1")
	if err != nil {
		t.Fatalf("GetGovernance() error = %v", err)
	}
	if g.RiskTier != want.RiskTier || g.MaxActionsPerStep != want.MaxActionsPerStep {
		t.Fatalf("GetGovernance() = %+v, want %+v", g, want)
	}
	if len(g.AllowedPaths) != 1 || g.AllowedPaths[0] != "/srv/app" {
		t.Fatalf("AllowedPaths = %v", g.AllowedPaths)
	}
}

func TestPolicyAllowCounting(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.RecordPolicyAllow(ctx, "main", "trc_1", "echo"); err != nil {
			t.Fatalf("RecordPolicyAllow() error = %v", err)
		}
	}
	if err := s.RecordPolicyAllow(ctx, "main", "trc_2", "echo"); err != nil {
		t.Fatalf("RecordPolicyAllow() error = %v", err)
	}

	n, err := s.CountPolicyAllows(ctx, "main", "trc_1")
	if err != nil {
		t.Fatalf("CountPolicyAllows() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("CountPolicyAllows(trc_1) = %d, want 3", n)
	}
	n, _ = s.CountPolicyAllows(ctx, "other", "trc_1")
	if n != 0 {
		t.Fatalf("CountPolicyAllows(other principal) = %d, want 0", n)
	}
}

func TestApprovalSingleUse(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateApproval(ctx, "host.exec.sudo", "admin", 15*time.Minute); err != nil {
		t.Fatalf("CreateApproval() error = %v", err)
	}

	ok, err := s.ConsumeApproval(ctx, "host.exec.sudo")
	if err != nil {
		t.Fatalf("ConsumeApproval() error = %v", err)
	}
	if !ok {
		t.Fatal("ConsumeApproval() = false, want true")
	}
	ok, err = s.ConsumeApproval(ctx, "host.exec.sudo")
	if err != nil {
		t.Fatalf("ConsumeApproval() second call error = %v", err)
	}
	if ok {
		t.Fatal("ConsumeApproval() consumed the same row twice")
	}
}

func TestApprovalExpiry(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateApproval(ctx, "selfupdate.apply", "admin", 10*time.Minute); err != nil {
		t.Fatalf("CreateApproval() error = %v", err)
	}
	clock.Advance(11 * time.Minute)

	ok, err := s.ConsumeApproval(ctx, "selfupdate.apply")
	if err != nil {
		t.Fatalf("ConsumeApproval() error = %v", err)
	}
	if ok {
		t.Fatal("ConsumeApproval() accepted an expired approval")
	}
}
