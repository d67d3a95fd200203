package patient

import (
	"testing"
	"time"
)

func TestParseNationalID(t *testing.T) {
	cases := []struct {
		name string
		id   string
		ok   bool
		dob  string
		sex  string
	}{
		{"reference male 1944", "44051401359", true, "1944-05-14", "male"},
		{"female 1900s", "44051401340", true, "1944-05-14", "female"},
		{"2000s band", "02291501358", true, "2002-09-15", "male"},
		{"2100s band", "10450112345", true, "2110-05-01", "female"},
		{"2200s band", "05611198710", true, "2205-01-11", "male"},
		{"1800s band", "99922812342", true, "1899-12-28", "female"},
		{"too short", "4405140135", false, "", ""},
		{"too long", "440514013590", false, "", ""},
		{"non-digit", "44051A01359", false, "", ""},
		{"month out of band", "44151401359", false, "", ""},
		{"month zero", "44001401359", false, "", ""},
		{"impossible date feb 30", "44023001359", false, "", ""},
		{"day zero", "44050001359", false, "", ""},
		{"empty", "", false, "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			demo, ok := ParseNationalID(tc.id)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !tc.ok {
				return
			}
			if got := FormatDateOfBirth(demo.DateOfBirth); got != tc.dob {
				t.Errorf("date of birth = %s, want %s", got, tc.dob)
			}
			if demo.Sex != tc.sex {
				t.Errorf("sex = %s, want %s", demo.Sex, tc.sex)
			}
		})
	}
}

func TestParseNationalID_SexParity(t *testing.T) {
	// Only the tenth digit decides sex; step through all its values.
	for d := 0; d < 10; d++ {
		id := "440514013" + string(rune('0'+d)) + "9"
		demo, ok := ParseNationalID(id)
		if !ok {
			t.Fatalf("id %s should parse", id)
		}
		want := "female"
		if d%2 == 1 {
			want = "male"
		}
		if demo.Sex != want {
			t.Errorf("digit %d: sex = %s, want %s", d, demo.Sex, want)
		}
	}
}

func TestFormatDateOfBirth(t *testing.T) {
	got := FormatDateOfBirth(time.Date(2002, time.September, 5, 0, 0, 0, 0, time.UTC))
	if got != "2002-09-05" {
		t.Errorf("got %s", got)
	}
}
