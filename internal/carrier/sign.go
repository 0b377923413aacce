package carrier

import (
	"crypto/md5"
	"encoding/hex"
	"time"
)

// The gateway validates timestamps against its own clock, which runs in
// this zone regardless of where the dispatcher is deployed.
const signZone = "Asia/Shanghai"

const signTimeLayout = "20060102150405"

// Sign produces the auth token the gateway expects: the lowercase hex
// MD5 of account+secret+timestamp. The timestamp (YYYYMMDDHHMMSS) is
// returned too since it travels with the request. This reproduces a
// legacy scheme verbatim; it is not a security primitive.
func (c Config) Sign(now time.Time) (sign, timestamp string) {
	loc, err := time.LoadLocation(signZone)
	if err != nil {
		loc = time.UTC
	}
	timestamp = now.In(loc).Format(signTimeLayout)
	return c.SignAt(timestamp), timestamp
}

// SignAt signs with an explicit pre-formatted timestamp. Used by tests
// and by callers that already hold the gateway timestamp.
func (c Config) SignAt(timestamp string) string {
	sum := md5.Sum([]byte(c.Account + c.Secret + timestamp))
	return hex.EncodeToString(sum[:])
}
