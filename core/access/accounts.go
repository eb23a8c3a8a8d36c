// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/relabs-tech/geodds/core/csql"
)

// ServiceAccount is a fixed-identity user to provision at startup, keyed by
// a caller-chosen UUID rather than one generated at insert time — an
// operator configures the same id and api key across deploys so the
// account is stable.
type ServiceAccount struct {
	UserID      uuid.UUID
	APIKey      string
	ContactName string
	Roles       []string
}

// EnsureServiceAccounts idempotently provisions the given accounts against
// the user/users_roles tables. An account whose id already exists keeps its
// api key and contact name; any listed role it lacks is added. Intended for bootstrapping a deploy's initial admin user from
// environment configuration, so an operator never has to reach for psql
// on a fresh database.
func EnsureServiceAccounts(db *csql.DB, accounts ...ServiceAccount) error {
	for _, a := range accounts {
		if a.UserID == uuid.Nil || a.APIKey == "" {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		_, err = tx.Exec(fmt.Sprintf(
			`INSERT INTO %s.user (user_id, api_key, contact_name) VALUES ($1,$2,$3) ON CONFLICT (user_id) DO NOTHING`, db.Schema),
			a.UserID, a.APIKey, a.ContactName)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("access: ensure service account %s: %w", a.UserID, err)
		}
		for _, role := range a.Roles {
			_, err = tx.Exec(fmt.Sprintf(
				`INSERT INTO %s.users_roles (user_id, role_name) VALUES ($1,$2) ON CONFLICT DO NOTHING`, db.Schema),
				a.UserID, role)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("access: ensure service account %s role %s: %w", a.UserID, role, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
