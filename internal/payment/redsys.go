package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/cargabot/cargabot/internal/browser"
	"github.com/cargabot/cargabot/internal/config"
	"github.com/cargabot/cargabot/internal/evapi"
)

const (
	defaultSignatureURL = "https://sis.redsys.es/sis/virtualControllerV2/generaFirmaPagoVirtual"
	defaultPaymentURL   = "https://sis.redsys.es/sis/realizarPago"

	appBundle     = "es.iberdrola.recargaverde"
	moduleVersion = "2.3.0"
)

// StatusChecker reports whether the payment has been confirmed upstream.
// When set, the 3DS wait ends as soon as the bank approves instead of
// running out the full timeout. Without one the wait simply elapses and the
// reservation call that follows acts as the verification.
type StatusChecker func(ctx context.Context) (bool, error)

// Redsys executes reservation pre-authorizations through the Redsys virtual
// payment flow the mobile app uses: sign the payment message with the app
// license, obtain the merchant signature from generaFirmaPagoVirtual, then
// submit realizarPago. A 3D Secure challenge is handed to the operator's
// browser and waited out within the configured timeout.
type Redsys struct {
	httpClient *http.Client
	license    string
	timeout    time.Duration
	dataDir    string
	checker    StatusChecker

	signatureURL string
	paymentURL   string
	openBrowser  func(string) error
}

func NewRedsys(cfg *config.Config, checker StatusChecker) *Redsys {
	return &Redsys{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		license:      cfg.Payment.License,
		timeout:      time.Duration(cfg.Payment.TimeoutSeconds) * time.Second,
		dataDir:      cfg.DataDir,
		checker:      checker,
		signatureURL: defaultSignatureURL,
		paymentURL:   defaultPaymentURL,
		openBrowser:  browser.OpenURL,
	}
}

// Execute runs the full payment for one order.
func (r *Redsys) Execute(ctx context.Context, order *evapi.Order, method *evapi.PaymentMethod, amountCents int) error {
	datoEntrada, err := r.buildSignedRequest(order, method, amountCents)
	if err != nil {
		return &Failed{Stage: "signature", Cause: err}
	}

	params, signature, signatureVersion, err := r.requestMerchantSignature(ctx, datoEntrada)
	if err != nil {
		return &Failed{Stage: "signature", Cause: err}
	}
	log.Debugf("merchant signature obtained for order %s", order.OrderID)

	challenged, err := r.submitPayment(ctx, params, signature, signatureVersion)
	if err != nil {
		return &Failed{Stage: "authorization", Cause: err}
	}
	if !challenged {
		log.Infof("payment for order %s authorized without a challenge", order.OrderID)
		return nil
	}

	log.Infof("payment for order %s needs 3D Secure approval, opening browser", order.OrderID)
	if err := r.runChallenge(ctx, params, signature, signatureVersion); err != nil {
		return &Failed{Stage: "confirmation", Cause: err}
	}
	return nil
}

// buildSignedRequest assembles the mensaje document and signs it with the
// app license: firma = hex(SHA256(mensaje + license)).
func (r *Redsys) buildSignedRequest(order *evapi.Order, method *evapi.PaymentMethod, amountCents int) (string, error) {
	if r.license == "" {
		return "", fmt.Errorf("no payment license configured")
	}
	raw := gjson.ParseBytes(order.Raw)
	terminal := raw.Get("terminal").String()
	merchantCode := order.MerchantCode
	if merchantCode == "" {
		merchantCode = raw.Get("merchantCode").String()
	}

	parametros := "{}"
	for key, value := range map[string]string{
		"Ds_Merchant_TransactionType":    "1",
		"Ds_Merchant_UrlOK":              raw.Get("urlOk").String(),
		"Ds_Merchant_Identifier":         method.Token,
		"Ds_Merchant_DirectPayment":      "false",
		"Ds_Merchant_Amount":             strconv.Itoa(amountCents),
		"Ds_Merchant_UrlKO":              raw.Get("urlKo").String(),
		"Ds_Merchant_Order":              order.OrderID,
		"Ds_Merchant_Currency":           raw.Get("currency").String(),
		"Ds_Merchant_MerchantCode":       merchantCode,
		"Ds_Merchant_Module":             "PSis_Android",
		"Ds_Merchant_ProductDescription": raw.Get("productDescription").String(),
		"Ds_Merchant_Terminal":           terminal,
		"Ds_Merchant_ConsumerLanguage":   raw.Get("consumerLanguage").String(),
		"Ds_Merchant_MerchantURL":        raw.Get("merchantUrl").String(),
	} {
		parametros, _ = sjson.Set(parametros, key, value)
	}

	mensaje := "{}"
	mensaje, _ = sjson.SetRaw(mensaje, "parametros", parametros)
	mensaje, _ = sjson.Set(mensaje, "bundle", appBundle)
	mensaje, _ = sjson.Set(mensaje, "so", "Android")
	mensaje, _ = sjson.Set(mensaje, "fuc", merchantCode)
	mensaje, _ = sjson.Set(mensaje, "terminal", terminal)
	mensaje, _ = sjson.Set(mensaje, "version", moduleVersion)

	sum := sha256.Sum256([]byte(mensaje + r.license))
	firma := hex.EncodeToString(sum[:])

	datoEntrada := "{}"
	datoEntrada, _ = sjson.Set(datoEntrada, "firma", firma)
	datoEntrada, _ = sjson.Set(datoEntrada, "mensaje", mensaje)
	return datoEntrada, nil
}

// requestMerchantSignature trades the signed request for the merchant
// parameters and signature realizarPago expects.
func (r *Redsys) requestMerchantSignature(ctx context.Context, datoEntrada string) (params, signature, signatureVersion string, err error) {
	form := url.Values{"datoEntrada": {datoEntrada}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.signatureURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("User-Agent", "Dalvik/2.1.0 (Linux; U; Android 11; SM-G930F Build/RQ3A.211001.001)")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", "", "", fmt.Errorf("signature request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", "", fmt.Errorf("signature endpoint returned status %d", resp.StatusCode)
	}

	// The response nests another JSON document as a string under "mensaje".
	inner := gjson.Parse(gjson.GetBytes(body, "mensaje").String())
	if inner.Get("code").Int() != 0 {
		return "", "", "", fmt.Errorf("signature rejected: %s", inner.Get("desc").String())
	}
	datos := inner.Get("datosPeticion")
	params = datos.Get("Ds_MerchantParameters").String()
	signature = datos.Get("Ds_Signature").String()
	signatureVersion = datos.Get("Ds_SignatureVersion").String()
	if signatureVersion == "" {
		signatureVersion = "HMAC_SHA256_V1"
	}
	if params == "" || signature == "" {
		return "", "", "", fmt.Errorf("signature response missing merchant parameters")
	}
	return params, signature, signatureVersion, nil
}

// submitPayment posts realizarPago directly. It returns challenged=true when
// the HTML answer is a 3D Secure challenge instead of a completed payment.
func (r *Redsys) submitPayment(ctx context.Context, params, signature, signatureVersion string) (challenged bool, err error) {
	form := url.Values{
		"Ds_MerchantParameters": {params},
		"Ds_Signature":          {signature},
		"Ds_SignatureVersion":   {signatureVersion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.paymentURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Origin", "null")
	req.Header.Set("X-Requested-With", appBundle)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("payment request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, err
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("payment endpoint returned status %d", resp.StatusCode)
	}

	content := strings.ToLower(string(body))
	if strings.Contains(content, "creq") || strings.Contains(content, "acsurl") || strings.Contains(content, "3dsecure") {
		return true, nil
	}
	if strings.Contains(content, "error") && strings.Contains(content, "pago") {
		return false, fmt.Errorf("payment page reported an error")
	}
	return false, nil
}

// runChallenge hands the payment form to the operator's browser and waits,
// bounded by the configured timeout, for the bank approval.
func (r *Redsys) runChallenge(ctx context.Context, params, signature, signatureVersion string) error {
	page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>Procesando pago...</title></head>
<body>
<form id="redsysForm" action="%s" method="POST">
<input type="hidden" name="Ds_MerchantParameters" value="%s">
<input type="hidden" name="Ds_Signature" value="%s">
<input type="hidden" name="Ds_SignatureVersion" value="%s">
</form>
<script>document.getElementById('redsysForm').submit();</script>
</body>
</html>`, r.paymentURL, params, signature, signatureVersion)

	formPath := filepath.Join(r.dataDir, "redsys-3ds.html")
	if err := os.WriteFile(formPath, []byte(page), 0o600); err != nil {
		return fmt.Errorf("failed to write challenge form: %w", err)
	}
	defer func() {
		_ = os.Remove(formPath)
	}()

	if err := r.openBrowser("file://" + formPath); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}

	deadline := time.After(r.timeout)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if r.checker == nil {
				// No way to verify from here; the reservation call that
				// follows is the authoritative check.
				log.Warn("3DS wait elapsed without confirmation, continuing")
				return nil
			}
			return fmt.Errorf("no approval within %s", r.timeout)
		case <-ticker.C:
			if r.checker == nil {
				continue
			}
			confirmed, err := r.checker(ctx)
			if err != nil {
				log.Debugf("payment confirmation check failed: %v", err)
				continue
			}
			if confirmed {
				log.Info("3DS approval confirmed")
				return nil
			}
		}
	}
}
