package main

import (
	"context"
	"flag"
	"log"

	"sopforge/backend/internal/app"
	"sopforge/backend/internal/auth"
	"sopforge/backend/internal/config"
	"sopforge/backend/internal/logging"
	"sopforge/backend/internal/repository"
	"sopforge/backend/pkg/models"
)

func main() {
	ctx := context.Background()

	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.NewLogger(cfg.Logging.Level, "text")

	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	if err := seed(ctx, store, cfg.Auth.DevOrgDomain, logger); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	logger.Info("Seeding complete!")
}

func seed(ctx context.Context, store *repository.Store, domain string, logger *logging.Logger) error {
	if domain == "" {
		domain = "localhost"
	}

	// 1. Ensure the organization exists
	org, err := store.GetOrganizationByDomain(ctx, domain)
	existing := err == nil
	if !existing {
		logger.Info("Creating default organization", "domain", domain)
		org = &models.Organization{Name: "Local Dev Organization", Domain: domain}
		if err := store.CreateOrganization(ctx, org); err != nil {
			return err
		}
	} else {
		logger.Info("Found existing organization", "id", org.ID)
	}

	// 2. Members: the dev bypass identity plus a council large enough for quorum
	members := []struct {
		Email string
		Name  string
		Role  models.Role
	}{
		{auth.DevEmail(domain), "Dev Owner", models.RoleOwner},
		{"ops-lead@" + domain, "Ops Lead", models.RoleAdmin},
		{"analyst@" + domain, "Process Analyst", models.RoleMember},
		{"engineer@" + domain, "Automation Engineer", models.RoleMember},
		{"auditor@" + domain, "Auditor", models.RoleViewer},
	}
	for _, m := range members {
		member := &models.Member{OrganizationID: org.ID, Email: m.Email, DisplayName: m.Name, Role: m.Role}
		if found, err := store.GetMemberByEmail(ctx, m.Email); err == nil {
			member.UserID = found.UserID
			member.CreatedAt = found.CreatedAt
		}
		if err := store.UpsertMember(ctx, member); err != nil {
			return err
		}
		logger.Info("Seeded member", "email", m.Email, "role", m.Role)
	}

	// 3. Sample procedures, only for a fresh organization
	if existing {
		logger.Info("Skipping sample SOPs for existing organization")
		return nil
	}
	sops := []*models.SOP{
		{
			Title:       "Supplier invoice approval",
			Description: "Invoices are received by email, keyed into the ERP and approved by a manager.",
			Steps: []models.SOPStep{
				{Order: 1, Title: "Receive invoice by email", Actor: "AP Clerk"},
				{Order: 2, Title: "Key invoice into ERP", Actor: "AP Clerk"},
				{Order: 3, Title: "Match against purchase order", Actor: "AP Clerk"},
				{Order: 4, Title: "Approve invoice", Actor: "Finance Manager"},
				{Order: 5, Title: "Schedule payment", Actor: "Treasury", Automated: true},
			},
			LinkedAutomations: 1,
		},
		{
			Title:       "New employee onboarding",
			Description: "HR collects documents, IT provisions accounts and the manager schedules training.",
			Steps: []models.SOPStep{
				{Order: 1, Title: "Collect signed contract", Actor: "HR"},
				{Order: 2, Title: "Create accounts", Actor: "IT"},
				{Order: 3, Title: "Ship laptop", Actor: "IT"},
				{Order: 4, Title: "Schedule training", Actor: "Manager"},
			},
		},
	}
	for _, sop := range sops {
		sop.OrganizationID = org.ID
		if err := store.CreateSOP(ctx, sop); err != nil {
			log.Printf("Failed to create SOP %s: %v", sop.Title, err)
			continue
		}
		logger.Info("Seeded SOP", "title", sop.Title, "id", sop.ID)
	}
	return nil
}
