package codec

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/memvault/memvault/internal/manifest"
	"github.com/memvault/memvault/internal/model"
)

func testRecords() map[model.Table][]model.Record {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	expires := created.Add(24 * time.Hour)
	return map[model.Table][]model.Record{
		model.TableChatHistory: {
			&model.ConversationTurn{
				ID: "c1", UserInput: "what's my name?", AIOutput: "You're Ada.",
				Model: "gpt-4o", UserID: "u1", SessionID: "s1", TokensUsed: 12,
				Metadata:  map[string]any{"client": "cli"},
				CreatedAt: created,
			},
			&model.ConversationTurn{
				ID: "c2", UserInput: "it's over; isn't it?", AIOutput: "yes",
				Model: "gpt-4o", UserID: "u1", SessionID: "s1",
				CreatedAt: created.Add(time.Minute),
			},
		},
		model.TableShortTermMemory: {
			&model.ShortTermMemory{
				ID: "m1", ChatID: "c1", UserID: "u1", SessionID: "s1",
				ImportanceScore: 0.6, CategoryPrimary: "fact",
				Summary: "user is Ada", SearchableContent: "name ada",
				AccessCount: 2, CreatedAt: created, ExpiresAt: &expires,
			},
		},
		model.TableLongTermMemory: {
			&model.LongTermMemory{
				ID: "m2", UserID: "u1", SessionID: "s1",
				ImportanceScore: 0.9, CategoryPrimary: "preference",
				Summary: "prefers terse answers", SearchableContent: "terse",
				CreatedAt: created, Classification: "conscious-info",
				Keywords: []string{"style", "terse"}, IsPreference: true,
				ConfidenceScore: 0.8,
			},
		},
	}
}

func testStreams() []TableStream {
	records := testRecords()
	streams := make([]TableStream, 0, len(model.Tables))
	for _, t := range model.Tables {
		streams = append(streams, TableStream{Table: t, Records: model.SliceIterator(records[t])})
	}
	return streams
}

func testManifest() *manifest.Manifest {
	m := manifest.New()
	m.SourceType = "sqlite"
	m.Format = "json"
	m.RecordCounts["chat_history"] = 2
	m.Checksums["chat_history"] = "deadbeef"
	return m
}

func TestDetect(t *testing.T) {
	cases := map[string]Format{
		"backup.json":              FormatJSON,
		"backup.json.gz":           FormatJSON,
		"backup.json.gz.enc":       FormatJSON,
		"backup.db":                FormatSQLite,
		"backup.sqlite":            FormatSQLite,
		"export.csv":               FormatCSV,
		"export_manifest.json":     FormatCSV,
		"dump.sql":                 FormatSQL,
		"/some/dir/Backup.JSON":    FormatJSON,
	}
	for path, want := range cases {
		got, err := Detect(path)
		if err != nil {
			t.Errorf("detect %s: %v", path, err)
			continue
		}
		if got != want {
			t.Errorf("detect %s: got %s, want %s", path, got, want)
		}
	}
	if _, err := Detect("backup.tar"); err == nil {
		t.Error("expected error for .tar")
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("SQLite"); err != nil || f != FormatSQLite {
		t.Errorf("got %s, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestSupportsCompression(t *testing.T) {
	if FormatCSV.SupportsCompression() {
		t.Error("csv spans multiple files and must not support compression")
	}
	for _, f := range []Format{FormatJSON, FormatSQLite, FormatSQL} {
		if !f.SupportsCompression() {
			t.Errorf("%s should support compression", f)
		}
	}
}

func assertRoundTrip(t *testing.T, f Format, path string) {
	t.Helper()
	ctx := context.Background()

	c, err := For(f)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	if err := c.Encode(ctx, path, testStreams(), testManifest()); err != nil {
		t.Fatalf("encode: %v", err)
	}

	dec, err := DecoderFor(f)
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	decoded, err := dec.Decode(ctx, path)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	defer decoded.Close()

	m := decoded.Manifest()
	if m == nil {
		t.Fatal("manifest lost")
	}
	if m.Checksums["chat_history"] != "deadbeef" {
		t.Errorf("manifest checksum lost: %q", m.Checksums["chat_history"])
	}

	want := testRecords()
	for _, tbl := range model.Tables {
		it, err := decoded.Table(tbl)
		if err != nil {
			t.Fatalf("table %s: %v", tbl, err)
		}
		got, err := model.Collect(it)
		if err != nil {
			t.Fatalf("collect %s: %v", tbl, err)
		}
		if len(got) != len(want[tbl]) {
			t.Fatalf("%s: got %d records, want %d", tbl, len(got), len(want[tbl]))
		}
		for i, r := range got {
			if r.RecordID() != want[tbl][i].RecordID() {
				t.Errorf("%s[%d]: got id %s, want %s", tbl, i, r.RecordID(), want[tbl][i].RecordID())
			}
		}
	}

	// Spot-check field fidelity through the format.
	it, _ := decoded.Table(model.TableChatHistory)
	records, _ := model.Collect(it)
	turn := records[0].(*model.ConversationTurn)
	if turn.UserInput != "what's my name?" {
		t.Errorf("got user input %q", turn.UserInput)
	}
	if turn.TokensUsed != 12 {
		t.Errorf("got tokens %d", turn.TokensUsed)
	}
	if turn.Metadata["client"] != "cli" {
		t.Errorf("got metadata %v", turn.Metadata)
	}

	it, _ = decoded.Table(model.TableLongTermMemory)
	records, _ = model.Collect(it)
	mem := records[0].(*model.LongTermMemory)
	if !mem.IsPreference {
		t.Error("bool flag lost")
	}
	if len(mem.Keywords) != 2 || mem.Keywords[0] != "style" {
		t.Errorf("keywords lost: %v", mem.Keywords)
	}
	if mem.ImportanceScore != 0.9 {
		t.Errorf("got importance %v", mem.ImportanceScore)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	assertRoundTrip(t, FormatJSON, filepath.Join(t.TempDir(), "backup.json"))
}

func TestSQLiteRoundTrip(t *testing.T) {
	assertRoundTrip(t, FormatSQLite, filepath.Join(t.TempDir(), "backup.db"))
}

func TestCSVRoundTrip(t *testing.T) {
	assertRoundTrip(t, FormatCSV, filepath.Join(t.TempDir(), "export.csv"))
}

func TestCSVWritesSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "export.csv")
	c, _ := For(FormatCSV)
	if err := c.Encode(context.Background(), path, testStreams(), testManifest()); err != nil {
		t.Fatalf("encode: %v", err)
	}

	for _, name := range []string{
		"export_chat_history.csv",
		"export_short_term_memory.csv",
		"export_long_term_memory.csv",
		"export_manifest.json",
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing sibling file %s", name)
		}
	}
}

func TestSQLDecoderUnavailable(t *testing.T) {
	if _, err := DecoderFor(FormatSQL); err == nil {
		t.Error("sql format must not have a stream decoder")
	}
}

func TestSQLEncodeReplayable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.sql")
	c := SQLCodec{Dialect: DialectSQLite}
	if err := c.Encode(context.Background(), path, testStreams(), testManifest()); err != nil {
		t.Fatalf("encode: %v", err)
	}

	b, _ := os.ReadFile(path)
	content := string(b)
	if !strings.Contains(content, "BEGIN TRANSACTION;") || !strings.Contains(content, "COMMIT;") {
		t.Error("missing transaction frame")
	}

	statements := SplitStatements(content)
	counts := map[model.Table]int{}
	for _, stmt := range statements {
		if IsTransactionControl(stmt) {
			continue
		}
		tbl, ok := InsertTable(stmt)
		if !ok {
			t.Errorf("unattributable statement: %.60s", stmt)
			continue
		}
		counts[tbl]++
	}
	if counts[model.TableChatHistory] != 2 {
		t.Errorf("got %d chat inserts, want 2", counts[model.TableChatHistory])
	}
	if counts[model.TableShortTermMemory] != 1 || counts[model.TableLongTermMemory] != 1 {
		t.Errorf("got memory counts %v", counts)
	}
}

func TestSQLQuoting(t *testing.T) {
	// Embedded quote and semicolon must survive tokenizing.
	path := filepath.Join(t.TempDir(), "dump.sql")
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	streams := []TableStream{{
		Table: model.TableChatHistory,
		Records: model.SliceIterator([]model.Record{
			&model.ConversationTurn{
				ID: "c1", UserInput: "it's done; finally", AIOutput: "good",
				Model: "m", UserID: "u1", SessionID: "s1", CreatedAt: created,
			},
		}),
	}}
	c := SQLCodec{}
	if err := c.Encode(context.Background(), path, streams, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}

	b, _ := os.ReadFile(path)
	statements := SplitStatements(string(b))
	inserts := 0
	for _, stmt := range statements {
		if IsTransactionControl(stmt) {
			continue
		}
		if _, ok := InsertTable(stmt); ok {
			inserts++
			if !strings.Contains(stmt, "it''s done; finally") {
				t.Errorf("quote escaping wrong: %s", stmt)
			}
		}
	}
	if inserts != 1 {
		t.Errorf("semicolon inside literal split the statement: %d inserts", inserts)
	}
}

func TestSQLPostgresDialect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.sql")
	c := SQLCodec{Dialect: DialectPostgres}
	if err := c.Encode(context.Background(), path, testStreams(), nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, _ := os.ReadFile(path)
	content := string(b)
	if !strings.Contains(content, "BEGIN;") {
		t.Error("postgres dump should open with BEGIN;")
	}
	if !strings.Contains(content, "TRUE") {
		t.Error("postgres booleans should be TRUE/FALSE")
	}
	if !strings.Contains(content, "::jsonb") {
		t.Error("postgres json columns should cast to jsonb")
	}
}

func TestInsertTableIgnoresLiteralMentions(t *testing.T) {
	stmt := `INSERT INTO chat_history (chat_id, user_input) VALUES ('c1', 'talking about long_term_memory table');`
	tbl, ok := InsertTable(stmt)
	if !ok || tbl != model.TableChatHistory {
		t.Errorf("got %s, %v", tbl, ok)
	}
}

func TestSplitStatementsDropsComments(t *testing.T) {
	statements := SplitStatements("-- header\n-- more\nINSERT INTO chat_history (chat_id) VALUES ('a');\nCOMMIT;\n")
	if len(statements) != 2 {
		t.Fatalf("got %d statements: %v", len(statements), statements)
	}
	if !strings.HasPrefix(statements[0], "INSERT") {
		t.Errorf("comment not stripped: %s", statements[0])
	}
}

func TestParseDialect(t *testing.T) {
	if d, err := ParseDialect(""); err != nil || d != DialectSQLite {
		t.Errorf("default dialect: %s, %v", d, err)
	}
	if d, err := ParseDialect("postgresql"); err != nil || d != DialectPostgres {
		t.Errorf("postgresql alias: %s, %v", d, err)
	}
	if _, err := ParseDialect("oracle"); err == nil {
		t.Error("expected error for oracle")
	}
}
