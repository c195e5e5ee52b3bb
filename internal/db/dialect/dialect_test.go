package dialect

import "testing"

func TestIsPostgres(t *testing.T) {
	if !IsPostgres(PGX) {
		t.Error("expected pgx to be postgres")
	}
	if IsPostgres(SQLite3) {
		t.Error("expected sqlite3 to not be postgres")
	}
}

func TestJSONExtract(t *testing.T) {
	got := JSONExtract(SQLite3, "labels", "ui")
	if got != "json_extract(labels, '$.ui')" {
		t.Errorf("sqlite: got %q", got)
	}
	got = JSONExtract(PGX, "labels", "ui")
	if got != "labels::jsonb->>'ui'" {
		t.Errorf("pgx: got %q", got)
	}
}
