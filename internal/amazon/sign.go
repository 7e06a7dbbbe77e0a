package amazon

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

const (
	signAlgorithm = "AWS4-HMAC-SHA256"
	serviceName   = "ProductAdvertisingAPI"
)

// buildAuthorization produces the authorization header for a signed
// request: canonical request, string to sign, then a derived signing key
// where each step is an HMAC over the previous digest
// (date -> region -> service -> request).
func buildAuthorization(method, uri, query string, headers map[string]string, payload, accessKey, secretKey, region string) string {
	amzDate := headers["x-amz-date"]
	dateStamp := amzDate[:8]

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, strings.ToLower(name))
	}
	sort.Strings(names)

	var canonicalHeaders strings.Builder
	for _, name := range names {
		canonicalHeaders.WriteString(name)
		canonicalHeaders.WriteString(":")
		canonicalHeaders.WriteString(headers[name])
		canonicalHeaders.WriteString("\n")
	}
	signedHeaders := strings.Join(names, ";")

	canonicalRequest := strings.Join([]string{
		method,
		uri,
		query,
		canonicalHeaders.String(),
		signedHeaders,
		hashHex(payload),
	}, "\n")

	credentialScope := dateStamp + "/" + region + "/" + serviceName + "/aws4_request"
	stringToSign := strings.Join([]string{
		signAlgorithm,
		amzDate,
		credentialScope,
		hashHex(canonicalRequest),
	}, "\n")

	kDate := hmacSHA256([]byte("AWS4"+secretKey), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, serviceName)
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	return signAlgorithm +
		" Credential=" + accessKey + "/" + credentialScope +
		", SignedHeaders=" + signedHeaders +
		", Signature=" + signature
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func hashHex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
