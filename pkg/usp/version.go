package usp

import "golang.org/x/mod/semver"

// CurrentVersion версия протокола, которую пишет эта реализация
const CurrentVersion = "1.0.0"

// supportedMajor единственная major версия, которую принимает responder.
// Minor/patch отличия допустимы: формат конвертов в пределах major
// обратно совместим.
const supportedMajor = "v1"

// CheckVersion валидирует версию протокола входящего конверта.
// Несовпадение major - VERSION_MISMATCH, не retryable.
func CheckVersion(version string) error {
	v := "v" + version
	if !semver.IsValid(v) {
		return invalidMessage("malformed protocol version %q", version)
	}
	if semver.Major(v) != supportedMajor {
		return &WireError{
			Code: CodeVersionMismatch,
			Message: "unsupported protocol version " + version +
				", supported major is " + supportedMajor[1:] + ".x",
		}
	}
	return nil
}
