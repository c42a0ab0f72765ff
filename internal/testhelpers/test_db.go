package testhelpers

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"intoview/internal/models"
)

func openSQLite(dsn string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
}

func migrateSchema(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Challenge{},
		&models.Rubric{},
		&models.Session{},
		&models.Event{},
		&models.Insight{},
		&models.ObserverCheckpoint{},
	)
}

// SetupTestDB creates an isolated in-memory SQLite database for tests. A single
// connection serialises concurrent writers the way a row lock would.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := openSQLite(dsn)
	if err != nil {
		panic(fmt.Sprintf("failed to open test database: %v", err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		panic(fmt.Sprintf("failed to access sql db: %v", err))
	}
	sqlDB.SetMaxOpenConns(1)
	if err := migrateSchema(db); err != nil {
		panic(fmt.Sprintf("failed to migrate test database: %v", err))
	}
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

// SeedSession writes a challenge, a rubric and a session referencing both.
func SeedSession(t *testing.T, db *gorm.DB, status models.SessionStatus) *models.Session {
	t.Helper()

	hints := "check the loop bound"
	challenge := &models.Challenge{
		Title:          "Cart totals",
		Description:    "The cart total is wrong for multi-item orders.",
		GeneratedFiles: map[string]string{"src/cart.ts": "export const total = () => 0", "package.json": "{}"},
		ExpectedBugs:   []models.ExpectedBug{{Description: "off by one in total loop", File: "src/cart.ts"}},
		SolutionHints:  &hints,
		Language:       "typescript",
	}
	if err := db.Create(challenge).Error; err != nil {
		t.Fatalf("seed challenge: %v", err)
	}
	rubric := &models.Rubric{
		ChallengeID: &challenge.ID,
		Criteria: []models.RubricCriterion{
			{Name: "debugging", Weight: 60, Description: "finds root causes"},
			{Name: "ai_collaboration", Weight: 40, Description: "uses the assistant deliberately"},
		},
	}
	if err := db.Create(rubric).Error; err != nil {
		t.Fatalf("seed rubric: %v", err)
	}
	name := "Ada"
	session := &models.Session{
		InterviewerID: "interviewer-1",
		CandidateName: &name,
		ChallengeID:   &challenge.ID,
		RubricID:      &rubric.ID,
		Status:        status,
	}
	if status != models.SessionPending {
		started := time.Now().UTC().Add(-5 * time.Minute)
		session.StartedAt = &started
	}
	if err := db.Create(session).Error; err != nil {
		t.Fatalf("seed session: %v", err)
	}
	session.Challenge = challenge
	session.Rubric = rubric
	return session
}
