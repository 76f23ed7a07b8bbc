package sqlassets

import _ "embed"

//go:embed schema/onboarding/accounts.sql
var AccountsSQL string

//go:embed schema/onboarding/plans.sql
var PlansSQL string

//go:embed schema/onboarding/verification.sql
var VerificationSQL string
