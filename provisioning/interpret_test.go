package provisioning

import "testing"

func TestInterpretResult(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"success bool", `{"success":true,"message":"Data sent"}`, true},
		{"capital Success", `{"Success":true}`, true},
		{"status successful", `{"status":"successful","reference":"A1"}`, true},
		{"Status delivered", `{"Status":"Delivered"}`, true},
		{"nested data status", `{"data":{"status":"success"}}`, true},
		{"success string", `{"success":"true"}`, true},
		{"success false", `{"success":false,"message":"Insufficient balance"}`, false},
		{"status failed", `{"status":"failed"}`, false},
		{"conflicting indicators", `{"success":true,"status":"failed"}`, false},
		{"error with success", `{"success":true,"error":"duplicate request"}`, false},
		{"errors list", `{"status":"success","errors":["plan unavailable"]}`, false},
		{"no indicator", `{"message":"Request received"}`, false},
		{"unrecognised status", `{"status":"processing"}`, false},
		{"empty error is ignored", `{"success":true,"error":""}`, true},
		{"not json", `<html>502 Bad Gateway</html>`, false},
		{"array body", `[{"success":true}]`, false},
		{"empty", ``, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := InterpretResult([]byte(tc.raw)); got != tc.want {
				t.Fatalf("InterpretResult(%s) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}
