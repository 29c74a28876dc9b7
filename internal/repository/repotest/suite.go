// Package repotest holds the behavioural tests every repository backend must
// pass. Backends call LeadRepository and UserRepository from their own
// _test.go files with a factory for a ready-to-use store.
//
// Tests use unique emails and subjects so they also run against a shared,
// non-empty database.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/leadsync/internal/apperror"
	"github.com/sakif/leadsync/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniqueEmail(prefix string) string {
	return fmt.Sprintf("%s-%s@example.com", prefix, xid.New().String())
}

func strPtr(s string) *string { return &s }

// =========================================================================
// LEADS
// =========================================================================

// LeadRepository runs the lead store contract against repos produced by newRepo.
func LeadRepository(t *testing.T, newRepo func(t *testing.T) repository.LeadRepository) {
	ctx := context.Background()

	t.Run("upsert creates a fresh lead", func(t *testing.T) {
		repo := newRepo(t)
		email := uniqueEmail("create")

		lead, err := repo.UpsertLead(ctx, repository.LeadInput{Name: "Ada", EmailNormalized: email, Phone: strPtr("123")})
		require.NoError(t, err)

		assert.NotEmpty(t, lead.ID)
		assert.Equal(t, "Ada", lead.Name)
		assert.Equal(t, email, lead.Email)
		assert.Equal(t, email, lead.EmailNormalized)
		assert.Equal(t, "123", lead.PhoneValue())
		assert.Nil(t, lead.ZohoSyncedAt)
		assert.Nil(t, lead.ZohoLastError)
		assert.Nil(t, lead.LoginInitiatedAt)
		assert.Equal(t, 0, lead.LoginInitiatedCount)
		assert.False(t, lead.CreatedAt.IsZero())
	})

	t.Run("upsert refreshes name and keeps phone when absent", func(t *testing.T) {
		repo := newRepo(t)
		email := uniqueEmail("refresh")

		first, err := repo.UpsertLead(ctx, repository.LeadInput{Name: "Ada", EmailNormalized: email, Phone: strPtr("123")})
		require.NoError(t, err)

		second, err := repo.UpsertLead(ctx, repository.LeadInput{Name: "Ada Lovelace", EmailNormalized: email})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "Ada Lovelace", second.Name)
		assert.Equal(t, "123", second.PhoneValue())

		third, err := repo.UpsertLead(ctx, repository.LeadInput{Name: "Ada Lovelace", EmailNormalized: email, Phone: strPtr("456")})
		require.NoError(t, err)
		assert.Equal(t, "456", third.PhoneValue())
	})

	t.Run("upsert does not reset sync or login bookkeeping", func(t *testing.T) {
		repo := newRepo(t)
		email := uniqueEmail("keep")

		lead, err := repo.UpsertLead(ctx, repository.LeadInput{Name: "Ada", EmailNormalized: email})
		require.NoError(t, err)
		require.NoError(t, repo.MarkLeadSynced(ctx, lead.ID))
		require.NoError(t, repo.MarkLoginInitiated(ctx, lead.ID))

		again, err := repo.UpsertLead(ctx, repository.LeadInput{Name: "Ada", EmailNormalized: email})
		require.NoError(t, err)
		assert.NotNil(t, again.ZohoSyncedAt)
		assert.Equal(t, 1, again.LoginInitiatedCount)
	})

	t.Run("concurrent upserts converge on one row", func(t *testing.T) {
		repo := newRepo(t)
		email := uniqueEmail("race")

		const workers = 16
		ids := make([]string, workers)
		errs := make([]error, workers)
		var wg sync.WaitGroup
		start := make(chan struct{})

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				lead, err := repo.UpsertLead(ctx, repository.LeadInput{Name: fmt.Sprintf("Worker %d", i), EmailNormalized: email})
				errs[i] = err
				if lead != nil {
					ids[i] = lead.ID
				}
			}(i)
		}
		close(start)
		wg.Wait()

		for i := 0; i < workers; i++ {
			require.NoError(t, errs[i], "worker %d", i)
			assert.Equal(t, ids[0], ids[i], "worker %d saw a different row", i)
		}
	})

	t.Run("find by email", func(t *testing.T) {
		repo := newRepo(t)
		email := uniqueEmail("find")

		created, err := repo.UpsertLead(ctx, repository.LeadInput{Name: "Ada", EmailNormalized: email})
		require.NoError(t, err)

		found, err := repo.FindLeadByEmail(ctx, email)
		require.NoError(t, err)
		assert.Equal(t, created.ID, found.ID)

		_, err = repo.FindLeadByEmail(ctx, uniqueEmail("missing"))
		assert.True(t, errors.Is(err, apperror.ErrNotFound), "got %v", err)
	})

	t.Run("synced is set once and survives failures", func(t *testing.T) {
		repo := newRepo(t)
		email := uniqueEmail("sync")

		lead, err := repo.UpsertLead(ctx, repository.LeadInput{Name: "Ada", EmailNormalized: email})
		require.NoError(t, err)

		require.NoError(t, repo.MarkLeadFailed(ctx, lead.ID, "Zoho Campaigns list subscribe failed: boom"))
		failed, err := repo.FindLeadByEmail(ctx, email)
		require.NoError(t, err)
		assert.Nil(t, failed.ZohoSyncedAt)
		require.NotNil(t, failed.ZohoLastError)
		assert.Equal(t, "Zoho Campaigns list subscribe failed: boom", *failed.ZohoLastError)

		require.NoError(t, repo.MarkLeadSynced(ctx, lead.ID))
		synced, err := repo.FindLeadByEmail(ctx, email)
		require.NoError(t, err)
		require.NotNil(t, synced.ZohoSyncedAt)
		assert.Nil(t, synced.ZohoLastError, "a success clears the last error")

		require.NoError(t, repo.MarkLeadFailed(ctx, lead.ID, "later failure"))
		require.NoError(t, repo.MarkLeadSynced(ctx, lead.ID))
		final, err := repo.FindLeadByEmail(ctx, email)
		require.NoError(t, err)
		require.NotNil(t, final.ZohoSyncedAt)
		assert.True(t, synced.ZohoSyncedAt.Equal(*final.ZohoSyncedAt), "first sync time is kept")
	})

	t.Run("login initiation increments", func(t *testing.T) {
		repo := newRepo(t)
		email := uniqueEmail("login")

		lead, err := repo.UpsertLead(ctx, repository.LeadInput{Name: "Ada", EmailNormalized: email})
		require.NoError(t, err)

		before := time.Now().Add(-time.Minute)
		require.NoError(t, repo.MarkLoginInitiated(ctx, lead.ID))
		require.NoError(t, repo.MarkLoginInitiated(ctx, lead.ID))

		got, err := repo.FindLeadByEmail(ctx, email)
		require.NoError(t, err)
		assert.Equal(t, 2, got.LoginInitiatedCount)
		require.NotNil(t, got.LoginInitiatedAt)
		assert.True(t, got.LoginInitiatedAt.After(before))
	})

	t.Run("marks on unknown lead are not found", func(t *testing.T) {
		repo := newRepo(t)
		missing := xid.New().String()

		assert.True(t, errors.Is(repo.MarkLeadSynced(ctx, missing), apperror.ErrNotFound))
		assert.True(t, errors.Is(repo.MarkLeadFailed(ctx, missing, "x"), apperror.ErrNotFound))
		assert.True(t, errors.Is(repo.MarkLoginInitiated(ctx, missing), apperror.ErrNotFound))
	})

	t.Run("list unsynced", func(t *testing.T) {
		repo := newRepo(t)

		pending, err := repo.UpsertLead(ctx, repository.LeadInput{Name: "Pending", EmailNormalized: uniqueEmail("pending")})
		require.NoError(t, err)
		done, err := repo.UpsertLead(ctx, repository.LeadInput{Name: "Done", EmailNormalized: uniqueEmail("done")})
		require.NoError(t, err)
		require.NoError(t, repo.MarkLeadSynced(ctx, done.ID))

		leads, err := repo.ListUnsyncedLeads(ctx, 10_000)
		require.NoError(t, err)

		ids := make(map[string]bool, len(leads))
		for _, l := range leads {
			assert.Nil(t, l.ZohoSyncedAt)
			ids[l.ID] = true
		}
		assert.True(t, ids[pending.ID])
		assert.False(t, ids[done.ID])

		limited, err := repo.ListUnsyncedLeads(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

// =========================================================================
// USERS
// =========================================================================

// UserRepository runs the user store contract against repos produced by newRepo.
func UserRepository(t *testing.T, newRepo func(t *testing.T) repository.UserRepository) {
	ctx := context.Background()

	newProfile := func() repository.UserProfile {
		email := uniqueEmail("user")
		return repository.UserProfile{
			ExternalID: "email|" + xid.New().String(),
			Email:      &email,
			Name:       strPtr("Ada Lovelace"),
		}
	}

	t.Run("create and read back", func(t *testing.T) {
		repo := newRepo(t)
		p := newProfile()

		created, err := repo.CreateUser(ctx, p)
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, p.ExternalID, created.ExternalID)
		assert.Equal(t, *p.Email, *created.Email)
		assert.Nil(t, created.ImageURL)
		assert.False(t, created.IsSubscribed())

		byID, err := repo.GetUserByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ExternalID, byID.ExternalID)

		bySubject, err := repo.GetUserByExternalID(ctx, p.ExternalID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, bySubject.ID)
	})

	t.Run("duplicate subject is a conflict", func(t *testing.T) {
		repo := newRepo(t)
		p := newProfile()

		_, err := repo.CreateUser(ctx, p)
		require.NoError(t, err)

		_, err = repo.CreateUser(ctx, p)
		assert.True(t, errors.Is(err, apperror.ErrConflict), "got %v", err)
	})

	t.Run("not found", func(t *testing.T) {
		repo := newRepo(t)

		_, err := repo.GetUserByID(ctx, xid.New().String())
		assert.True(t, errors.Is(err, apperror.ErrNotFound))

		_, err = repo.GetUserByExternalID(ctx, "email|nobody")
		assert.True(t, errors.Is(err, apperror.ErrNotFound))

		_, err = repo.MarkUserSubscribed(ctx, xid.New().String(), time.Now())
		assert.True(t, errors.Is(err, apperror.ErrNotFound))
	})

	t.Run("update profile overwrites claims", func(t *testing.T) {
		repo := newRepo(t)
		created, err := repo.CreateUser(ctx, newProfile())
		require.NoError(t, err)

		updated, err := repo.UpdateUserProfile(ctx, created.ID, repository.UserProfile{
			ExternalID: created.ExternalID,
			Name:       strPtr("Countess of Lovelace"),
			ImageURL:   strPtr("https://example.com/ada.png"),
		})
		require.NoError(t, err)
		assert.Nil(t, updated.Email)
		assert.Equal(t, "Countess of Lovelace", *updated.Name)
		assert.Equal(t, "https://example.com/ada.png", *updated.ImageURL)
	})

	t.Run("subscription is stamped once", func(t *testing.T) {
		repo := newRepo(t)
		created, err := repo.CreateUser(ctx, newProfile())
		require.NoError(t, err)

		first := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		u, err := repo.MarkUserSubscribed(ctx, created.ID, first)
		require.NoError(t, err)
		require.NotNil(t, u.ZohoSubscribedAt)
		assert.True(t, first.Equal(*u.ZohoSubscribedAt))

		u, err = repo.MarkUserSubscribed(ctx, created.ID, first.Add(24*time.Hour))
		require.NoError(t, err)
		assert.True(t, first.Equal(*u.ZohoSubscribedAt), "later stamps are ignored")
	})
}
