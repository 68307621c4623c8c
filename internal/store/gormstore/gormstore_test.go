package gormstore

import "testing"

func TestIsUniqueViolationOnSQLite(test *testing.T) {
	test.Parallel()
	db := mustOpenMemory(test)
	if err := db.Exec(`CREATE TABLE charts (id TEXT PRIMARY KEY, owner TEXT NOT NULL, slug TEXT UNIQUE, houses INTEGER CHECK (houses = 12))`).Error; err != nil {
		test.Fatalf("create table: %v", err)
	}
	if err := db.Exec(`INSERT INTO charts (id, owner, slug, houses) VALUES ('c1', 'user-1', 'natal', 12)`).Error; err != nil {
		test.Fatalf("seed row: %v", err)
	}

	testCases := []struct {
		name      string
		statement string
		want      bool
	}{
		{name: "primary key", statement: `INSERT INTO charts (id, owner, slug, houses) VALUES ('c1', 'user-2', 'solar', 12)`, want: true},
		{name: "unique column", statement: `INSERT INTO charts (id, owner, slug, houses) VALUES ('c2', 'user-2', 'natal', 12)`, want: true},
		{name: "not null", statement: `INSERT INTO charts (id, owner, slug, houses) VALUES ('c3', NULL, 'lunar', 12)`, want: false},
		{name: "check", statement: `INSERT INTO charts (id, owner, slug, houses) VALUES ('c4', 'user-2', 'transit', 13)`, want: false},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			err := db.Exec(testCase.statement).Error
			if err == nil {
				test.Fatalf("expected a constraint error")
			}
			if got := isUniqueViolation(err, constraintEntryIdempotency); got != testCase.want {
				test.Fatalf("expected unique violation %t, got %t (%v)", testCase.want, got, err)
			}
		})
	}
}
