package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"luminova/backend/internal/models"
)

// CreateUser inserts the user row and, for psychologists, an empty
// profile row, in one transaction.
func (s *Store) CreateUser(ctx context.Context, u models.User) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin create user", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, name, email, role, avatar, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		u.ID, u.Name, u.Email, u.Role, u.Avatar, u.PasswordHash, u.CreatedAt,
	)
	if err != nil {
		return storeErr("insert user", err)
	}

	if u.Role == models.RolePsychologist {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO psychologists (user_id) VALUES ($1)`, u.ID); err != nil {
			return storeErr("insert psychologist profile", err)
		}
	}

	return tx.Commit()
}

// CreateChild inserts the user row plus the child profile, assigned to
// the given psychologist.
func (s *Store) CreateChild(ctx context.Context, c models.Child) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin create child", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, name, email, role, avatar, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		c.ID, c.Name, c.Email, models.RoleChild, c.Avatar, c.PasswordHash, c.CreatedAt,
	)
	if err != nil {
		return storeErr("insert user", err)
	}

	prefs, err := json.Marshal(c.Preferences)
	if err != nil {
		return storeErr("encode preferences", err)
	}

	var assigned interface{}
	if c.AssignedPsychologist != "" {
		assigned = c.AssignedPsychologist
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO children (user_id, age, diagnosis, parent_email, assigned_psychologist, preferences)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.Age, c.Diagnosis, c.ParentEmail, assigned, prefs,
	)
	if err != nil {
		return storeErr("insert child profile", err)
	}

	return tx.Commit()
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var u models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, role, avatar, password_hash, created_at, updated_at
		 FROM users WHERE email = $1`,
		email,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Avatar, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, storeErr("query user by email", err)
	}
	return &u, nil
}

func (s *Store) UserByID(ctx context.Context, id string) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var u models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, role, avatar, password_hash, created_at, updated_at
		 FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Avatar, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, storeErr("query user by id", err)
	}
	return &u, nil
}

// PsychologistByID returns the professional profile joined with its
// user record.
func (s *Store) PsychologistByID(ctx context.Context, id string) (*models.Psychologist, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var p models.Psychologist
	var specs stringArray
	err := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.name, u.email, u.role, u.avatar, u.created_at, u.updated_at,
		        p.license_number, p.specializations, p.hospital, p.years_experience
		 FROM psychologists p JOIN users u ON u.id = p.user_id
		 WHERE p.user_id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.Email, &p.Role, &p.Avatar, &p.CreatedAt, &p.UpdatedAt,
		&p.LicenseNumber, &specs, &p.Hospital, &p.YearsExperience)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, storeErr("query psychologist profile", err)
	}
	p.Specializations = specs.elements()
	return &p, nil
}

// UpdatePsychologist stores the editable profile fields for p.ID.
func (s *Store) UpdatePsychologist(ctx context.Context, p models.Psychologist) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		`UPDATE psychologists
		 SET license_number = $1, specializations = $2, hospital = $3, years_experience = $4
		 WHERE user_id = $5`,
		p.LicenseNumber, textArray(p.Specializations), p.Hospital, p.YearsExperience, p.ID,
	)
	if err != nil {
		return storeErr("update psychologist profile", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PatientsForPsychologist returns the children assigned to a
// psychologist, with their profile data.
func (s *Store) PatientsForPsychologist(ctx context.Context, psychologistID string) ([]models.Child, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.name, u.email, u.avatar, u.created_at, u.updated_at,
		        c.age, c.diagnosis, c.parent_email, COALESCE(c.assigned_psychologist::text, ''),
		        c.current_emotion, c.preferences
		 FROM children c JOIN users u ON u.id = c.user_id
		 WHERE c.assigned_psychologist = $1
		 ORDER BY u.name`,
		psychologistID,
	)
	if err != nil {
		return nil, storeErr("query patients", err)
	}
	defer rows.Close()

	var patients []models.Child
	for rows.Next() {
		var c models.Child
		var prefs []byte
		err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Avatar, &c.CreatedAt, &c.UpdatedAt,
			&c.Age, &c.Diagnosis, &c.ParentEmail, &c.AssignedPsychologist,
			&c.CurrentEmotion, &prefs)
		if err != nil {
			return nil, storeErr("scan patient", err)
		}
		c.Role = models.RoleChild
		if len(prefs) > 0 {
			if err := json.Unmarshal(prefs, &c.Preferences); err != nil {
				return nil, storeErr("decode preferences", err)
			}
		}
		patients = append(patients, c)
	}
	return patients, rows.Err()
}

// AssignChild links an existing child to a psychologist.
func (s *Store) AssignChild(ctx context.Context, childID, psychologistID string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		`UPDATE children SET assigned_psychologist = $1 WHERE user_id = $2`,
		psychologistID, childID,
	)
	if err != nil {
		return storeErr("assign child", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCurrentEmotion updates the child's live emotion indicator.
func (s *Store) SetCurrentEmotion(ctx context.Context, childID, emotion string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE children SET current_emotion = $1 WHERE user_id = $2`,
		emotion, childID,
	)
	if err != nil {
		return storeErr("set current emotion", err)
	}
	return nil
}
