package models

import "testing"

func TestParseAssetKind(t *testing.T) {
	tests := []struct {
		in      string
		want    AssetKind
		wantErr bool
	}{
		{"dataset", KindDataset, false},
		{"  Datasets ", KindDataset, false},
		{"MODEL", KindModel, false},
		{"pipelines", KindPipeline, false},
		{"", "", true},
		{"notebook", "", true},
	}

	for _, tt := range tests {
		got, err := ParseAssetKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAssetKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAssetKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAssetKindHelpers(t *testing.T) {
	if got := KindModel.Plural(); got != "models" {
		t.Errorf("Plural() = %q, want models", got)
	}
	if KindDataset.AcceptsHints() {
		t.Error("datasets should not accept hints")
	}
	if !KindPipeline.AcceptsHints() {
		t.Error("pipelines should accept hints")
	}
	if !ValidHint(HintCode) || ValidHint("weights") {
		t.Error("ValidHint mismatch")
	}
}

func TestStatus(t *testing.T) {
	if StatusPending.IsTerminal() {
		t.Error("Pending must not be terminal")
	}
	for _, s := range []Status{StatusValid, StatusInvalid, StatusError, StatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if !s.Known() {
			t.Errorf("%s should be known", s)
		}
	}
	if Status("Running").Known() {
		t.Error("Running should not be known")
	}
}

func TestValidationRecord_CloneIsDeep(t *testing.T) {
	orig := ValidationRecord{
		ID:            "r1",
		Status:        StatusValid,
		Fields:        &ValidationFields{Format: "csv", Shape: []int64{10, 3}, Schema: []SchemaColumn{{Name: "a", Type: "int"}}},
		ErrorMessages: []string{"first"},
	}

	c := orig.Clone()
	c.Fields.Shape[0] = 99
	c.Fields.Schema[0].Name = "b"
	c.ErrorMessages[0] = "changed"

	if orig.Fields.Shape[0] != 10 || orig.Fields.Schema[0].Name != "a" || orig.ErrorMessages[0] != "first" {
		t.Errorf("clone shares memory with original: %+v", orig)
	}
	if (ValidationRecord{}).Clone().Fields != nil {
		t.Error("clone of nil fields should stay nil")
	}
}

func TestValidationRecord_TimedOut(t *testing.T) {
	r := ValidationRecord{Status: StatusError, ErrorMessages: []string{"bad", TimeoutMessage}}
	if !r.TimedOut() {
		t.Error("expected timed out")
	}
	r.Status = StatusInvalid
	if r.TimedOut() {
		t.Error("Invalid record is never timed out")
	}
}

func TestUploadBatch(t *testing.T) {
	b := &UploadBatch{Files: []FileHandle{{Size: 3}, {Size: 4}}}
	if b.IsFolder() {
		t.Error("batch without folder reported as folder")
	}
	if got := b.TotalBytes(); got != 7 {
		t.Errorf("TotalBytes() = %d, want 7", got)
	}
	b.Folder = "resnet"
	if !b.IsFolder() {
		t.Error("expected folder batch")
	}
}
