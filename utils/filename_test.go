package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecureFilename(t *testing.T) {
	cases := map[string]string{
		"My cool movie.mov":          "My_cool_movie.mov",
		"../../../etc/passwd":        "etc_passwd",
		"i contain cool ümläuts.txt": "i_contain_cool_umlauts.txt",
		"report.pdf":                 "report.pdf",
		"C:\\Users\\me\\scan.png":    "C_Users_me_scan.png",
		"  .hidden  ":                "hidden",
		"$$$.txt":                    "txt",
		"...":                        "",
	}
	for in, want := range cases {
		assert.Equal(t, want, SecureFilename(in), in)
	}
}
