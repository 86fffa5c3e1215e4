package session

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

// renderQRDataURL renders a pairing challenge into a PNG data URL that
// dashboards can drop straight into an <img> tag.
func renderQRDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
