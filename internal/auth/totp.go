package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/BradenHooton/dealergate/pkg/auth"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	totpPeriod     = 30
	backupCodeLen  = 8
	qrCodePixelLen = 256
)

// TOTPManager generates TOTP secrets and checks codes. Secret storage is
// the caller's concern.
type TOTPManager struct {
	issuer string
	skew   uint
}

func NewTOTPManager(issuer string, skew uint) *TOTPManager {
	return &TOTPManager{issuer: issuer, skew: skew}
}

// TOTPKey is a freshly generated secret with its provisioning material.
type TOTPKey struct {
	Secret          string
	ProvisioningURI string
	QRCode          string
}

// Generate creates a secret for accountName together with its otpauth://
// URI and a PNG QR code data URL.
func (tm *TOTPManager) Generate(accountName string) (*TOTPKey, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: accountName,
		SecretSize:  20,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, qrCodePixelLen)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	return &TOTPKey{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCode:          "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}

// Code returns the code for the step containing at.
func (tm *TOTPManager) Code(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at, tm.opts())
}

// Match checks code against every step within the skew window around at
// and returns the matching step counter.
func (tm *TOTPManager) Match(secret, code string, at time.Time) (uint64, bool, error) {
	if len(code) != int(otp.DigitsSix) {
		return 0, false, nil
	}

	current := uint64(at.Unix()) / totpPeriod
	matched := false
	var counter uint64
	for offset := -int64(tm.skew); offset <= int64(tm.skew); offset++ {
		step := int64(current) + offset
		if step < 0 {
			continue
		}
		want, err := totp.GenerateCodeCustom(secret, time.Unix(step*totpPeriod, 0), tm.opts())
		if err != nil {
			return 0, false, fmt.Errorf("failed to generate TOTP code: %w", err)
		}
		// Every step is compared so the loop does not exit early on a match.
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 && !matched {
			matched = true
			counter = uint64(step)
		}
	}
	return counter, matched, nil
}

// ReplayWindow is how long an accepted step must be remembered.
func (tm *TOTPManager) ReplayWindow() time.Duration {
	return time.Duration(2*tm.skew+2) * totpPeriod * time.Second
}

func (tm *TOTPManager) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      tm.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// GenerateBackupCodes returns count codes of eight lowercase hex characters.
func GenerateBackupCodes(count int) ([]string, error) {
	codes := make([]string, count)
	for i := range codes {
		code, err := auth.GenerateHexCode(backupCodeLen)
		if err != nil {
			return nil, err
		}
		codes[i] = code
	}
	return codes, nil
}
