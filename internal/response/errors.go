package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden             ErrCode = "FORBIDDEN"
	ErrParticipantAccessOnly ErrCode = "PARTICIPANT_ACCESS_ONLY"
	ErrMonitorAccessOnly     ErrCode = "MONITOR_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Session lifecycle ─────────────────────────────────────────────
	ErrNotEligible        ErrCode = "NOT_ELIGIBLE"
	ErrAlreadyCompleted   ErrCode = "ALREADY_COMPLETED"
	ErrSessionNotActive   ErrCode = "SESSION_NOT_ACTIVE"
	ErrInvalidTransition  ErrCode = "INVALID_TRANSITION"
	ErrTargetOffline      ErrCode = "TARGET_OFFLINE"
	ErrPersistenceFailure ErrCode = "PERSISTENCE_FAILURE"
	ErrSessionSuperseded  ErrCode = "SESSION_SUPERSEDED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
// Participant-facing codes stay deliberately generic; monitors rely on the
// code itself for intervention decisions.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrTokenExpired:
		return "Token autentikasi telah kedaluwarsa."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrParticipantAccessOnly:
		return "Sumber daya ini terbatas untuk peserta."
	case ErrMonitorAccessOnly:
		return "Sumber daya ini terbatas untuk pengawas."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrConflict:
		return "Sumber daya sudah ada."

	// ─── Session lifecycle ─────────────────────────────────────────────
	case ErrNotEligible:
		return "Anda tidak terdaftar untuk asesmen ini."
	case ErrAlreadyCompleted:
		return "Asesmen ini sudah Anda selesaikan."
	case ErrSessionNotActive:
		return "Sesi ujian tidak sedang berjalan."
	case ErrInvalidTransition:
		return "Perintah tidak dapat diterapkan pada status sesi saat ini."
	case ErrTargetOffline:
		return "Peserta tidak sedang terhubung."
	case ErrPersistenceFailure:
		return "Penyimpanan data gagal. Silakan coba lagi."
	case ErrSessionSuperseded:
		return "Sesi Anda dibuka di perangkat lain."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
