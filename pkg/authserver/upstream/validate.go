// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
)

const userInfoSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["accountId", "displayName", "email"],
  "properties": {
    "accountId":       {"type": "string", "minLength": 1},
    "displayName":     {"type": "string", "minLength": 1},
    "email":           {"type": "string", "format": "email"},
    "emailVerified":   {"type": "boolean"},
    "profileImageUrl": {"type": "string", "format": "uri"}
  }
}`

var userInfoSchemaLoader = gojsonschema.NewStringLoader(userInfoSchema)

// ValidateUserInfo checks that info has the canonical shape: a non-empty
// account id and display name, and a well-formed email address.
func ValidateUserInfo(info *UserInfo) error {
	if info == nil {
		return apierrors.NewUpstreamFailureError("upstream provider returned no user info", nil)
	}

	result, err := gojsonschema.Validate(userInfoSchemaLoader, gojsonschema.NewGoLoader(info))
	if err != nil {
		return apierrors.NewUpstreamFailureError("failed to validate upstream user info", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return apierrors.NewUpstreamFailureError(
			fmt.Sprintf("invalid upstream user info: %s", strings.Join(msgs, "; ")), nil)
	}
	return nil
}
