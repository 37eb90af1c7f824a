package item

import (
	"errors"
	"testing"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		input   string
		want    Type
		wantErr bool
	}{
		{"BOOL", TypeBool, false},
		{"byte", TypeByte, false},
		{" CHAR ", TypeChar, false},
		{"WORD", TypeWord, false},
		{"LONG", TypeLong, false},
		{"DWORD", TypeDWord, false},
		{"STRING", TypeString, false},
		{"FLOAT", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseType(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownType) {
					t.Errorf("ParseType(%q) error = %v, want ErrUnknownType", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseType(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseType(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestType_RoundTripsAllNames(t *testing.T) {
	for _, typ := range AllTypes() {
		got, err := ParseType(typ.String())
		if err != nil {
			t.Fatalf("ParseType(%q) error: %v", typ.String(), err)
		}
		if got != typ {
			t.Errorf("ParseType(%q) = %v, want %v", typ.String(), got, typ)
		}
	}
}

func TestType_Normalize(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		input   string
		want    string
		wantErr bool
	}{
		{"bool true", TypeBool, "True", "true", false},
		{"bool numeric", TypeBool, "0", "false", false},
		{"bool garbage", TypeBool, "yes", "", true},
		{"byte max", TypeByte, "255", "255", false},
		{"byte overflow", TypeByte, "256", "", true},
		{"byte negative", TypeByte, "-1", "", true},
		{"char single", TypeChar, "A", "A", false},
		{"char too long", TypeChar, "AB", "", true},
		{"char empty", TypeChar, "", "", true},
		{"word leading zeros", TypeWord, "00042", "42", false},
		{"word overflow", TypeWord, "65536", "", true},
		{"long negative", TypeLong, "-2147483648", "-2147483648", false},
		{"long overflow", TypeLong, "2147483648", "", true},
		{"dword max", TypeDWord, "4294967295", "4294967295", false},
		{"dword negative", TypeDWord, "-5", "", true},
		{"string keeps colons", TypeString, "a:b:c", "a:b:c", false},
		{"string empty", TypeString, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.typ.Normalize(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidValue) {
					t.Errorf("Normalize(%q) error = %v, want ErrInvalidValue", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestType_Format(t *testing.T) {
	tests := []struct {
		name string
		typ  Type
		in   any
		want string
	}{
		{"char from int8", TypeChar, int8('x'), "x"},
		{"char from byte", TypeChar, uint8('y'), "y"},
		{"byte", TypeByte, uint8(7), "7"},
		{"word", TypeWord, uint16(1000), "1000"},
		{"long", TypeLong, int32(-3), "-3"},
		{"bool", TypeBool, true, "true"},
		{"nil", TypeString, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.typ.Format(tt.in); got != tt.want {
				t.Errorf("Format(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseQuality(t *testing.T) {
	for q, name := range qualityNames {
		got, err := ParseQuality(name)
		if err != nil {
			t.Fatalf("ParseQuality(%q) error: %v", name, err)
		}
		if got != q {
			t.Errorf("ParseQuality(%q) = %v, want %v", name, got, q)
		}
	}

	if _, err := ParseQuality("Excellent"); !errors.Is(err, ErrUnknownQuality) {
		t.Errorf("ParseQuality(Excellent) error = %v, want ErrUnknownQuality", err)
	}
}

func TestQualityFromCode(t *testing.T) {
	tests := []struct {
		code    int
		want    Quality
		wantErr bool
	}{
		{0xC0, QualityGood, false},
		{0x18, QualityCommFailure, false},
		{0xD8, QualityLocalOverride, false},
		{0x01, 0, true},
		{-1, 0, true},
		{0x100, 0, true},
	}

	for _, tt := range tests {
		got, err := QualityFromCode(tt.code)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownQuality) {
				t.Errorf("QualityFromCode(%d) error = %v, want ErrUnknownQuality", tt.code, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("QualityFromCode(%d) = %v, %v, want %v", tt.code, got, err, tt.want)
		}
	}
}

func TestQuality_IsGood(t *testing.T) {
	if !QualityGood.IsGood() || !QualityLocalOverride.IsGood() {
		t.Error("Good and LocalOverride should be good")
	}
	if QualityUncertain.IsGood() || QualityBad.IsGood() {
		t.Error("Uncertain and Bad should not be good")
	}
}

func TestDefinition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr error
	}{
		{"valid", Definition{Name: "tag1", Type: TypeWord}, nil},
		{"empty name", Definition{Name: " ", Type: TypeWord}, ErrInvalidName},
		{"colon in name", Definition{Name: "a:b", Type: TypeWord}, ErrInvalidName},
		{"zero type", Definition{Name: "tag1"}, ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
