package accounts

import (
	"embed"
	"io/fs"
)

//go:embed data/mail
var mailFS embed.FS

// GetMailTemplatesFS returns the mail body templates shipped with this package
func GetMailTemplatesFS() fs.FS {
	sub, err := fs.Sub(mailFS, "data/mail")
	if err != nil {
		panic(err)
	}
	return sub
}
