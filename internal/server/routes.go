package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"civicwater/internal/billing"
	"civicwater/internal/domain"
	"civicwater/internal/engine"
	"civicwater/internal/engine/auth"
	"civicwater/internal/login"
	"civicwater/internal/repo"
	"civicwater/internal/tracking"
	"civicwater/internal/trackid"
	"civicwater/internal/workflow"
)

var secured = []string{"secured"}

const maxUploadBytes = 12 << 20

func registerTracking(api huma.API, t tracking.Service) {
	type recordBody struct {
		Body StatusRecordResponse `json:"body"`
	}
	respond := func(res tracking.Result, err error) (*recordBody, error) {
		if err != nil {
			return nil, handleError(err)
		}
		return &recordBody{Body: recordResponse(res.Record)}, nil
	}
	huma.Register(api, huma.Operation{
		OperationID: "track-connection",
		Method:      http.MethodGet,
		Path:        "/connections/track/{applicationNumber}",
		Summary:     "Track a connection application (APP or WNC)",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		ApplicationNumber string `path:"applicationNumber" example:"APP-2025-001"`
	}) (*recordBody, error) {
		return respond(t.TrackConnection(ctx, input.ApplicationNumber))
	})
	huma.Register(api, huma.Operation{
		OperationID: "track-grievance",
		Method:      http.MethodGet,
		Path:        "/grievances/track/{grievanceNumber}",
		Summary:     "Track a grievance",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		GrievanceNumber string `path:"grievanceNumber" example:"GRV-2025-023"`
	}) (*recordBody, error) {
		return respond(t.TrackGrievance(ctx, input.GrievanceNumber))
	})
	huma.Register(api, huma.Operation{
		OperationID: "track",
		Method:      http.MethodGet,
		Path:        "/track/{id}",
		Summary:     "Track any record by its identifier",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*recordBody, error) {
		return respond(t.Track(ctx, input.ID))
	})
}

func registerForms(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-forms",
		Method:      http.MethodGet,
		Path:        "/forms",
		Summary:     "Submission form definitions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []FormResponse `json:"body"`
	}, error) {
		defs, err := e.Forms()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []FormResponse `json:"body"`
		}{Body: formResponses(defs)}, nil
	})
}

// submit fills a fresh session for form, attaches refs and submits it on
// behalf of p. Refs that cannot be attached are dropped and reported; the
// submission goes ahead with the rest.
func submit(ctx context.Context, e engine.Engine, p Principal, form string, fields map[string]string, refs []string) (domain.StatusRecord, []workflow.Rejection, error) {
	s, err := e.NewSession(form)
	if err != nil {
		return domain.StatusRecord{}, nil, err
	}
	if err := s.SetAll(fields); err != nil {
		return domain.StatusRecord{}, nil, err
	}
	consumer := strings.ToUpper(strings.TrimSpace(fields["connectionId"]))
	if err := checkConnectionOwner(ctx, e, p, consumer); err != nil {
		return domain.StatusRecord{}, nil, err
	}
	var rejected []workflow.Rejection
	for _, id := range refs {
		a, err := e.Attachment(ctx, id)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			rejected = append(rejected, workflow.Rejection{ID: id, Name: id, Err: fmt.Errorf("%w: unknown attachment", workflow.ErrAttachmentRejected)})
			continue
		case err != nil:
			return domain.StatusRecord{}, nil, err
		case a.RecordID != "":
			rejected = append(rejected, workflow.Rejection{ID: id, Name: a.Name, Err: fmt.Errorf("%w: already attached to %s", workflow.ErrAttachmentRejected, a.RecordID)})
			continue
		case a.CreatedBy != "" && a.CreatedBy != p.ActorID:
			rejected = append(rejected, workflow.Rejection{ID: id, Name: a.Name, Err: fmt.Errorf("%w: uploaded by another user", workflow.ErrAttachmentRejected)})
			continue
		}
		rejected = append(rejected, s.AddAttachments(a)...)
	}
	s.Step = s.LastStep()
	rec, err := e.Submit(ctx, s, p.ActorID)
	if err != nil {
		return domain.StatusRecord{}, nil, err
	}
	return rec, rejected, nil
}

// checkConnectionOwner refuses a connection that belongs to none of the
// citizen's properties. Unknown connections are left to the form rules.
func checkConnectionOwner(ctx context.Context, e engine.Engine, p Principal, consumer string) error {
	if p.Session == nil || consumer == "" {
		return nil
	}
	conn, err := e.Repo.GetConnection(ctx, consumer)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	owned, err := ownsConnection(ctx, e.Repo, p.Session, conn)
	if err != nil {
		return err
	}
	if !owned {
		return &workflow.ValidationError{Fields: map[string]string{"connectionId": "Connection does not belong to your property"}}
	}
	return nil
}

func registerSubmissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-grievance",
		Method:        http.MethodPost,
		Path:          "/grievances",
		Summary:       "Raise a connection grievance",
		Tags:          secured,
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body GrievanceRequest `json:"body"`
	}) (*struct {
		Body GrievanceCreatedResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		connID := strings.ToUpper(strings.TrimSpace(input.Body.ConnectionID))
		if cs, ok := p.Session.(login.ConsumerSession); ok && connID == "" {
			connID = cs.ConsumerNumber
		}
		rec, rejected, err := submit(ctx, e, p, "grievance", map[string]string{
			"connectionId":  connID,
			"complaintType": strings.TrimSpace(input.Body.Category),
			"subject":       input.Body.Subject,
			"remark":        input.Body.Description,
			"priority":      strings.ToLower(strings.TrimSpace(input.Body.Priority)),
		}, input.Body.AttachmentRefs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GrievanceCreatedResponse `json:"body"`
		}{Body: GrievanceCreatedResponse{GrievanceNumber: rec.ID, Record: recordResponse(rec), RejectedAttachments: rejectedResponses(rejected)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-submission",
		Method:        http.MethodPost,
		Path:          "/submissions",
		Summary:       "Submit any configured form",
		Tags:          secured,
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body SubmissionRequest `json:"body"`
	}) (*struct {
		Body ApplicationCreatedResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, rejected, err := submit(ctx, e, p, input.Body.Form, input.Body.Fields, input.Body.AttachmentRefs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplicationCreatedResponse `json:"body"`
		}{Body: ApplicationCreatedResponse{ApplicationID: rec.ID, Record: recordResponse(rec), RejectedAttachments: rejectedResponses(rejected)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-connection-application",
		Method:        http.MethodPost,
		Path:          "/connections",
		Summary:       "Apply for a water connection",
		Tags:          secured,
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body SubmissionRequest `json:"body"`
	}) (*struct {
		Body ApplicationCreatedResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		defs, err := e.Forms()
		if err != nil {
			return nil, handleError(err)
		}
		def, ok := defs[input.Body.Form]
		if !ok || def.Family == trackid.Grievance {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("%s is not a connection application form", input.Body.Form), nil)
		}
		rec, rejected, err := submit(ctx, e, p, def.Name, input.Body.Fields, input.Body.AttachmentRefs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplicationCreatedResponse `json:"body"`
		}{Body: ApplicationCreatedResponse{ApplicationID: rec.ID, Record: recordResponse(rec), RejectedAttachments: rejectedResponses(rejected)}}, nil
	})
}

// registerFiles mounts the multipart upload and blob download on the router
// directly; huma handles JSON bodies only here.
func registerFiles(r chi.Router, basePath string, e engine.Engine, authz auth.Service) {
	r.Post(path.Join(basePath, "files/upload"), func(w http.ResponseWriter, req *http.Request) {
		p, authErr := principalFromRequest(req.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		req.Body = http.MaxBytesReader(w, req.Body, maxUploadBytes)
		f, hdr, err := req.FormFile("file")
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "attachment_rejected", "file too large", nil))
				return
			}
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "multipart field file required", nil))
			return
		}
		defer f.Close()
		form := strings.TrimSpace(req.FormValue("form"))
		if form == "" {
			form = "grievance"
		}
		a, err := e.StoreAttachment(req.Context(), form, hdr.Filename, hdr.Header.Get("Content-Type"), f, p.ActorID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(UploadResponse{ID: a.ID, URL: a.URL, Name: a.Name, ContentType: a.ContentType, Size: a.Size})
	})

	r.Get(path.Join(basePath, "files/{id}"), func(w http.ResponseWriter, req *http.Request) {
		p, authErr := principalFromRequest(req.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		id := chi.URLParam(req, "id")
		meta, err := e.Attachment(req.Context(), id)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		if err := canReadAttachment(req.Context(), e, authz, p, meta); err != nil {
			respondStatusError(w, err)
			return
		}
		blob, err := e.Files.Open(id)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		defer blob.Close()
		w.Header().Set("Content-Type", meta.ContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", meta.Name))
		_, _ = io.Copy(w, blob)
	})
}

// canReadAttachment lets the uploader, the citizen owning the linked record
// and officers with record.read download a blob. Anyone else sees a 404.
func canReadAttachment(ctx context.Context, e engine.Engine, authz auth.Service, p Principal, a domain.Attachment) huma.StatusError {
	if a.CreatedBy != "" && a.CreatedBy == p.ActorID {
		return nil
	}
	if p.Officer() {
		if _, err := requirePermission(ctx, authz, auth.PermRecordRead); err != nil {
			return handleError(err)
		}
		return nil
	}
	if a.RecordID != "" {
		rec, err := e.Repo.Get(ctx, a.RecordID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return handleError(err)
		}
		if err == nil && ownsRecord(p.Session, rec) {
			return nil
		}
	}
	return newAPIError(http.StatusNotFound, "not_found", "attachment not found", nil)
}

func registerLogin(api huma.API, l login.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "send-otp",
		Method:      http.MethodPost,
		Path:        "/auth/send-otp",
		Summary:     "Send a one-time login code",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Body SendOTPRequest `json:"body"`
	}) (*struct {
		Body SendOTPResponse `json:"body"`
	}, error) {
		ch, err := l.SendOTP(ctx, input.Body.Identifier)
		if err != nil {
			return nil, handleError(err)
		}
		now := clock(l.Now)
		return &struct {
			Body SendOTPResponse `json:"body"`
		}{Body: SendOTPResponse{
			Sent:        true,
			SentTo:      ch.SentTo,
			ExpiresIn:   int(ch.ExpiresAt.Sub(now).Seconds()),
			ResendAfter: int(ch.ResendAfter.Sub(now).Seconds()),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-otp",
		Method:      http.MethodPost,
		Path:        "/auth/verify-otp",
		Summary:     "Verify a login code",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Body VerifyOTPRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		res, err := l.VerifyOTP(ctx, input.Body.Identifier, input.Body.Code)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: loginResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-property",
		Method:      http.MethodPost,
		Path:        "/auth/select-property",
		Summary:     "Choose the property for a mobile login",
		Tags:        secured,
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SelectPropertyRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		p, authErr := citizenFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := l.SelectProperty(ctx, p.token, input.Body.PropertyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: loginResponse(res)}, nil
	})
}

func registerMe(api huma.API, authz auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current caller",
		Tags:        secured,
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp := MeResponse{ActorID: p.ActorID, Kind: "officer", Roles: []string{}, Permissions: []string{}}
		if p.Session != nil {
			resp.Kind = string(p.Session.Kind())
			resp.PropertyID = p.Session.Property()
		} else {
			roles, err := authz.ActorRoles(ctx, p.authPrincipal())
			if err != nil {
				return nil, handleError(err)
			}
			perms, err := authz.ActorPermissions(ctx, p.authPrincipal())
			if err != nil {
				return nil, handleError(err)
			}
			resp.Roles = nonNilSlice(roles)
			resp.Permissions = nonNilSlice(perms)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: resp}, nil
	})
}

// citizenFilter scopes record listings to what a citizen session may see.
func citizenFilter(sess login.Session) repo.RecordFilter {
	switch s := sess.(type) {
	case login.MobileSession:
		return repo.RecordFilter{Mobile: s.Mobile}
	case login.ConsumerSession:
		return repo.RecordFilter{ConsumerNumber: s.ConsumerNumber}
	}
	return repo.RecordFilter{Mobile: "-"}
}

func registerRecords(api huma.API, e engine.Engine, authz auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records",
		Summary:     "List records; citizens see their own",
		Tags:        secured,
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Family string `query:"family" doc:"APP, WNC or GRV"`
		Status string `query:"status"`
		Mobile string `query:"mobile"`
		Open   bool   `query:"open"`
		Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body RecordListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var f repo.RecordFilter
		if p.Session != nil {
			f = citizenFilter(p.Session)
		} else {
			if _, err := requirePermission(ctx, authz, auth.PermRecordRead); err != nil {
				return nil, handleError(err)
			}
			f.Mobile = strings.TrimSpace(input.Mobile)
		}
		f.Family = trackid.Family(strings.ToUpper(input.Family))
		if input.Status != "" {
			st, err := domain.ParseStatus(input.Status)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			f.Status = st
		}
		f.OpenOnly = input.Open
		f.Limit = input.Limit
		recs, err := e.Records(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordListResponse `json:"body"`
		}{Body: RecordListResponse{Items: recordResponses(recs)}}, nil
	})

	type recordBody struct {
		Body StatusRecordResponse `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "advance-record",
		Method:      http.MethodPost,
		Path:        "/records/{id}/advance",
		Summary:     "Advance a record to its next stage",
		Tags:        secured,
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body AdvanceRequest `json:"body"`
	}) (*recordBody, error) {
		p, err := requirePermission(ctx, authz, auth.PermRecordAdvance)
		if err != nil {
			return nil, handleError(err)
		}
		id, err := trackid.Parse(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.AdvanceStage(ctx, id.String(), strings.TrimSpace(input.Body.Officer), strings.TrimSpace(input.Body.Note), p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &recordBody{Body: recordResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-record-status",
		Method:      http.MethodPost,
		Path:        "/records/{id}/status",
		Summary:     "Set a record's status",
		Tags:        secured,
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SetStatusRequest `json:"body"`
	}) (*recordBody, error) {
		p, err := requirePermission(ctx, authz, auth.PermRecordStatus)
		if err != nil {
			return nil, handleError(err)
		}
		id, err := trackid.Parse(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.SetStatus(ctx, id.String(), input.Body.Status, strings.TrimSpace(input.Body.Resolution), p.ActorID, input.Body.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &recordBody{Body: recordResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-overdue",
		Method:      http.MethodPost,
		Path:        "/records/sweep",
		Summary:     "Flag records past their right-to-service deadline",
		Tags:        secured,
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, authz, auth.PermRecordSweep)
		if err != nil {
			return nil, handleError(err)
		}
		n, err := e.SweepOverdue(ctx, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Flagged: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent events",
		Tags:        secured,
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, authz, auth.PermRecordRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: nonNilSlice(items)}}, nil
	})
}

func registerBilling(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "estimate-bill",
		Method:      http.MethodPost,
		Path:        "/billing/estimate",
		Summary:     "Estimate a bill from meter readings",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body BillEstimateRequest `json:"body"`
	}) (*struct {
		Body BillEstimateResponse `json:"body"`
	}, error) {
		if input.Body.PreviousReading == nil && strings.TrimSpace(input.Body.ConsumerNumber) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "previousReading or consumerNumber required", nil)
		}
		est, err := e.EstimateBill(ctx, input.Body.ConsumerNumber, input.Body.PreviousReading, input.Body.CurrentReading)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BillEstimateResponse `json:"body"`
		}{Body: BillEstimateResponse{
			Estimate:   est,
			WindowOpen: billing.SubmissionWindowOpen(clock(e.Now).Day(), e.Config.Billing),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "connection-fee",
		Method:      http.MethodGet,
		Path:        "/billing/connection-fee",
		Summary:     "Quote the fee for a new connection",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PipeSize string `query:"pipeSize" example:"20mm"`
	}) (*struct {
		Body ConnectionFeeResponse `json:"body"`
	}, error) {
		fee, err := e.ConnectionFee(input.PipeSize)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConnectionFeeResponse `json:"body"`
		}{Body: ConnectionFeeResponse{PipeSize: strings.ToLower(strings.TrimSpace(input.PipeSize)), Fee: fee}}, nil
	})
}

// connectionFor loads a connection the caller may act on: the owning
// citizen, or an officer holding perm. Other citizens get a 404.
func connectionFor(ctx context.Context, e engine.Engine, authz auth.Service, p Principal, consumer, perm string) (domain.Connection, error) {
	if p.Officer() {
		if _, err := requirePermission(ctx, authz, perm); err != nil {
			return domain.Connection{}, err
		}
		return e.Repo.GetConnection(ctx, consumer)
	}
	conn, err := e.Repo.GetConnection(ctx, consumer)
	if err != nil {
		return domain.Connection{}, err
	}
	owned, err := ownsConnection(ctx, e.Repo, p.Session, conn)
	if err != nil {
		return domain.Connection{}, err
	}
	if !owned {
		return domain.Connection{}, fmt.Errorf("%w: connection %s", repo.ErrNotFound, conn.ConsumerNumber)
	}
	return conn, nil
}

func registerConnections(api huma.API, e engine.Engine, authz auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-connections",
		Method:      http.MethodGet,
		Path:        "/connections",
		Summary:     "List water connections; citizens see their own",
		Tags:        secured,
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PropertyID string `query:"propertyId" doc:"Required for officers"`
	}) (*struct {
		Body ConnectionListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		propertyID := strings.TrimSpace(input.PropertyID)
		var ids []string
		if p.Officer() {
			if _, err := requirePermission(ctx, authz, auth.PermRecordRead); err != nil {
				return nil, handleError(err)
			}
			if propertyID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "propertyId required", nil)
			}
			if _, err := e.Repo.GetProperty(ctx, propertyID); err != nil {
				return nil, handleError(err)
			}
			ids = []string{propertyID}
		} else {
			owned, err := ownedProperties(ctx, e.Repo, p.Session)
			if err != nil {
				return nil, handleError(err)
			}
			if propertyID != "" {
				if !slices.Contains(owned, propertyID) {
					return nil, newAPIError(http.StatusNotFound, "not_found", "property not found", nil)
				}
				owned = []string{propertyID}
			}
			ids = owned
		}
		conns, err := e.Connections(ctx, ids...)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConnectionListResponse `json:"body"`
		}{Body: ConnectionListResponse{Items: nonNilSlice(conns)}}, nil
	})

	type billListBody struct {
		Body BillListResponse `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-bills",
		Method:      http.MethodGet,
		Path:        "/connections/{consumerNumber}/bills",
		Summary:     "Bills of a connection, newest first",
		Tags:        secured,
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ConsumerNumber string `path:"consumerNumber" example:"WC-2025-001"`
	}) (*billListBody, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		conn, err := connectionFor(ctx, e, authz, p, input.ConsumerNumber, auth.PermRecordRead)
		if err != nil {
			return nil, handleError(err)
		}
		bills, err := e.Bills(ctx, conn.ConsumerNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return &billListBody{Body: BillListResponse{Items: nonNilSlice(bills)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "generate-bill",
		Method:        http.MethodPost,
		Path:          "/connections/{consumerNumber}/bills",
		Summary:       "Bill the connection's unbilled meter readings",
		Tags:          secured,
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ConsumerNumber string `path:"consumerNumber"`
	}) (*struct {
		Body domain.Bill `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, authz, auth.PermBillingManage)
		if err != nil {
			return nil, handleError(err)
		}
		b, err := e.GenerateBill(ctx, input.ConsumerNumber, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bill `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-meter-reading",
		Method:        http.MethodPost,
		Path:          "/connections/{consumerNumber}/readings",
		Summary:       "Submit a meter reading during the monthly window",
		Tags:          secured,
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ConsumerNumber string              `path:"consumerNumber"`
		Body           MeterReadingRequest `json:"body"`
	}) (*struct {
		Body MeterReadingResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		conn, err := connectionFor(ctx, e, authz, p, input.ConsumerNumber, auth.PermBillingManage)
		if err != nil {
			return nil, handleError(err)
		}
		m, est, err := e.SubmitReading(ctx, conn.ConsumerNumber, input.Body.Reading, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeterReadingResponse `json:"body"`
		}{Body: MeterReadingResponse{Reading: m, Estimate: est}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pay-bill",
		Method:      http.MethodPost,
		Path:        "/bills/{id}/pay",
		Summary:     "Pay a pending bill in full",
		Tags:        secured,
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id" example:"BILL-2025-001"`
		Body PayBillRequest `json:"body"`
	}) (*struct {
		Body PaymentResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.Bill(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := connectionFor(ctx, e, authz, p, b.ConsumerNumber, auth.PermBillingManage); err != nil {
			return nil, handleError(err)
		}
		pay, paid, err := e.PayBill(ctx, b.ID, input.Body.Method, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PaymentResponse `json:"body"`
		}{Body: PaymentResponse{Payment: pay, Bill: paid}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bill-receipt",
		Method:      http.MethodGet,
		Path:        "/bills/{id}/receipt",
		Summary:     "Receipt of a paid bill",
		Tags:        secured,
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Payment `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.Bill(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := connectionFor(ctx, e, authz, p, b.ConsumerNumber, auth.PermRecordRead); err != nil {
			return nil, handleError(err)
		}
		receipt, err := e.Receipt(ctx, b.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Payment `json:"body"`
		}{Body: receipt}, nil
	})
}

func clock(now func() time.Time) time.Time {
	if now != nil {
		return now()
	}
	return time.Now()
}
