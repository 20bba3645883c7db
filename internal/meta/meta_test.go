package meta

import "testing"

type contact struct {
	ID      string
	Name    string
	Email   string
	Version int
}

type keyedNote struct {
	Key  string `lynx:"id"`
	Body string
	Rev  int `lynx:"version"`
}

type tagged struct {
	ID       string
	FullName string `json:"full_name"`
	Hidden   string `json:"-"`
	Priority int
	internal string
}

type numericID struct {
	ID    int
	Label string
}

type indexed struct {
	ID      string   `lynx:"id"`
	Owner   string   `lynx:"index"`
	Status  string   `lynx:"index"`
	Labels  []string `lynx:"index,gin"`
	Extra   []string `lynx:"index,gin"`
	Version int      `lynx:"version"`
}

func TestToCamelCase(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Title", "title"},
		{"DueDate", "dueDate"},
		{"URL", "url"},
		{"HTTPStatus", "httpStatus"},
		{"already", "already"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := toCamelCase(tt.in); got != tt.want {
			t.Errorf("toCamelCase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name        string
		meta        *StructMeta
		wantID      int
		wantVersion int
		wantKeys    []string
	}{
		{"convention", Analyze[contact](), 0, 3, []string{"name", "email"}},
		{"tags", Analyze[keyedNote](), 0, 2, []string{"body"}},
		{"json tags and unexported", Analyze[tagged](), 0, -1, []string{"full_name", "priority"}},
		{"numeric id", Analyze[numericID](), 0, -1, []string{"label"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.meta.IDIndex != tt.wantID {
				t.Errorf("IDIndex = %d, want %d", tt.meta.IDIndex, tt.wantID)
			}
			if tt.meta.VersionIndex != tt.wantVersion {
				t.Errorf("VersionIndex = %d, want %d", tt.meta.VersionIndex, tt.wantVersion)
			}
			if len(tt.meta.Fields) != len(tt.wantKeys) {
				t.Fatalf("len(Fields) = %d, want %d", len(tt.meta.Fields), len(tt.wantKeys))
			}
			for i, key := range tt.wantKeys {
				if tt.meta.Fields[i].JSONKey != key {
					t.Errorf("Fields[%d].JSONKey = %q, want %q", i, tt.meta.Fields[i].JSONKey, key)
				}
			}
		})
	}
}

func TestAnalyze_Cached(t *testing.T) {
	if Analyze[contact]() != Analyze[contact]() {
		t.Error("expected the cached *StructMeta on the second call")
	}
}

func TestAnalyze_Indexes(t *testing.T) {
	m := Analyze[indexed]()
	if len(m.Indexes) != 3 {
		t.Fatalf("len(Indexes) = %d, want 3 (two btree, one gin)", len(m.Indexes))
	}
	if m.Indexes[0].FieldJSONKey != "owner" || m.Indexes[0].Type != IndexBtree {
		t.Errorf("Indexes[0] = %+v", m.Indexes[0])
	}
	if m.Indexes[1].FieldJSONKey != "status" || m.Indexes[1].Type != IndexBtree {
		t.Errorf("Indexes[1] = %+v", m.Indexes[1])
	}
	if m.Indexes[2].Type != IndexGIN {
		t.Errorf("Indexes[2] = %+v, want gin", m.Indexes[2])
	}
}

func TestIDAndVersionAccessors(t *testing.T) {
	c := &contact{ID: "c1", Name: "Ada", Version: 4}

	id, err := ExtractID(c)
	if err != nil || id != "c1" {
		t.Fatalf("ExtractID = %q, %v", id, err)
	}
	if v, ok := ExtractVersion(c); !ok || v != 4 {
		t.Fatalf("ExtractVersion = %d, %v", v, ok)
	}

	SetVersion(c, 5)
	if !SetID(c, "c2") {
		t.Fatal("SetID on string field reported false")
	}
	if c.ID != "c2" || c.Version != 5 {
		t.Errorf("after setters: %+v", c)
	}

	n := &numericID{ID: 7}
	if SetID(n, "8") {
		t.Error("SetID on int field reported true")
	}
	if id, _ := ExtractID(n); id != "7" {
		t.Errorf("ExtractID(numeric) = %q, want 7", id)
	}

	if _, err := ExtractID(&struct{ Name string }{}); err == nil {
		t.Error("expected error for type without ID field")
	}
}

func TestLookup(t *testing.T) {
	doc := keyedNote{Key: "n1", Body: "hello", Rev: 2}

	tests := []struct {
		key    string
		want   any
		wantOK bool
	}{
		{"id", "n1", true},
		{"version", 2, true},
		{"body", "hello", true},
		{"Body", nil, false},
		{"missing", nil, false},
	}
	for _, tt := range tests {
		got, ok := Lookup(&doc, tt.key)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("Lookup(%q) = %v, %v; want %v, %v", tt.key, got, ok, tt.want, tt.wantOK)
		}
	}
}
