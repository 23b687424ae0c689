package logger

import (
	"github.com/sirupsen/logrus"

	"github.com/ledgersync/ledger-connector/internal/domain"
)

func LogError(msg string, err error) {
	Log.WithFields(logrus.Fields{"error": err}).Error(msg)
}

func LogFatalError(msg string, err error) {
	Log.WithFields(logrus.Fields{"error": err}).Fatal(msg)
}

func LogErrorWithTenant(msg string, err error, tenantID domain.TenantID) {
	Log.WithFields(logrus.Fields{"error": err, "tenant_id": tenantID}).Error(msg)
}

func LogErrorWithUserAndTenant(msg string, err error, userID domain.UserID, tenantID domain.TenantID) {
	Log.WithFields(logrus.Fields{"error": err, "user_id": userID, "tenant_id": tenantID}).Error(msg)
}
