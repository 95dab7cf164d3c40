// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"

	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/internal/query"
)

// Base statements shared by the task-facing repositories. Geometry columns are
// SRID 4326; task properties are hstore-valued with a GIN index.
const (
	taskSelectBase = `SELECT tasks.id, tasks.name, tasks.parent_id, tasks.instruction,
		tasks.status, tasks.priority, tasks.bundle_id, tasks.is_bundle_primary,
		tasks.mapped_on, tasks.completed_by, tasks.changeset_id,
		ST_Y(tasks.location::geometry) AS lat, ST_X(tasks.location::geometry) AS lng
	FROM tasks
	INNER JOIN challenges ON challenges.id = tasks.parent_id
	INNER JOIN projects ON projects.id = challenges.parent_id`

	taskReviewJoin = ` LEFT JOIN task_review ON task_review.task_id = tasks.id`
)

// taskFilterGroups composes the SearchParameters into builder groups over the
// task base statement.
func taskFilterGroups(params *models.SearchParameters) []query.FilterGroup {
	groups := make([]query.FilterGroup, 0, 8)

	groups = append(groups, query.ConditionalFilterGroup(query.AND, len(params.ProjectIDs) > 0,
		query.Parameter{Column: "parent_id", Table: "challenges", Op: query.IN,
			Value: params.ProjectIDs, Negate: params.Inverted("projects")}))

	groups = append(groups, query.ConditionalFilterGroup(query.AND, len(params.Challenge.IDs) > 0,
		query.Parameter{Column: "parent_id", Table: "tasks", Op: query.IN,
			Value: params.Challenge.IDs, Negate: params.Inverted("challenges")}))

	groups = append(groups, query.ConditionalFilterGroup(query.AND, len(params.Task.Statuses) > 0,
		query.Parameter{Column: "status", Table: "tasks", Op: query.IN,
			Value: params.Task.Statuses, Negate: params.Inverted("status")}))

	groups = append(groups, query.ConditionalFilterGroup(query.AND, len(params.Task.Priorities) > 0,
		query.Parameter{Column: "priority", Table: "tasks", Op: query.IN,
			Value: params.Task.Priorities, Negate: params.Inverted("priorities")}))

	groups = append(groups, query.ConditionalFilterGroup(query.AND, len(params.Task.ReviewStatuses) > 0,
		query.Parameter{Column: "review_status", Table: "task_review", Op: query.IN,
			Value: params.Task.ReviewStatuses, Negate: params.Inverted("reviewStatus")}))

	groups = append(groups, query.ConditionalFilterGroup(query.AND, len(params.Task.MetaReviewStatuses) > 0,
		query.Parameter{Column: "meta_review_status", Table: "task_review", Op: query.IN,
			Value: params.Task.MetaReviewStatuses, Negate: params.Inverted("metaReviewStatus")}))

	groups = append(groups, query.ConditionalFilterGroup(query.AND, len(params.Task.ExcludedIDs) > 0,
		query.Parameter{Column: "id", Table: "tasks", Op: query.IN,
			Value: params.Task.ExcludedIDs, Negate: true}))

	if params.Task.BundleID != nil {
		groups = append(groups, query.NewFilterGroup(query.AND,
			query.NewParameter("tasks.bundle_id", *params.Task.BundleID)))
	}
	if params.Challenge.Difficulty != nil {
		groups = append(groups, query.NewFilterGroup(query.AND,
			query.NewParameter("challenges.difficulty", *params.Challenge.Difficulty)))
	}

	if params.Challenge.Name != "" {
		if params.Fuzzy != nil && params.Fuzzy.SearchString != "" {
			groups = append(groups, query.NewFilterGroup(query.AND,
				query.FuzzyParameter("challenges.name", params.Fuzzy.SearchString,
					params.Fuzzy.Score, params.Fuzzy.Size)))
		} else {
			groups = append(groups, query.NewFilterGroup(query.AND,
				query.Parameter{Column: "name", Table: "challenges", Op: query.ILIKE,
					Value: "%" + params.Challenge.Name + "%"}))
		}
	}

	if params.Challenge.Enabled != nil {
		groups = append(groups, query.NewFilterGroup(query.AND,
			query.Parameter{Column: "enabled", Table: "challenges", Op: query.BOOL,
				Negate: !*params.Challenge.Enabled}))
	}
	if params.ProjectEnabled != nil {
		groups = append(groups, query.NewFilterGroup(query.AND,
			query.Parameter{Column: "enabled", Table: "projects", Op: query.BOOL,
				Negate: !*params.ProjectEnabled}))
	}
	if params.ProjectSearch != "" {
		groups = append(groups, query.NewFilterGroup(query.AND,
			query.Parameter{Column: "display_name", Table: "projects", Op: query.ILIKE,
				Value: "%" + params.ProjectSearch + "%"}))
	}

	if box := params.Location; box != nil {
		groups = append(groups, query.NewFilterGroup(query.AND,
			query.CustomBound(
				"tasks.location && ST_MakeEnvelope({}, {}, {}, {}, 4326)",
				box.MinLng, box.MinLat, box.MaxLng, box.MaxLat)))
	}

	for _, geom := range params.BoundingGeometries {
		groups = append(groups, query.NewFilterGroup(query.AND,
			query.CustomBound(
				"ST_Intersects(tasks.location::geometry, ST_SetSRID(ST_GeomFromGeoJSON({}), 4326))",
				string(geom))))
	}

	groups = append(groups, propertyGroups(params.Task.Properties)...)
	groups = append(groups, tagGroup("tasks.id", "tags_on_tasks", "task_id", params.Task.TagNames))
	groups = append(groups, tagGroup("challenges.id", "tags_on_challenges", "challenge_id", params.Challenge.TagNames))

	if params.Task.SavedBy != nil {
		groups = append(groups, query.NewFilterGroup(query.AND,
			query.SubQueryFilter{
				Column: "tasks.id",
				Inner: query.New("SELECT task_id FROM saved_tasks",
					query.NewFilter(query.NewParameter("user_id", *params.Task.SavedBy))),
				Op: query.IN,
			}.AsParameter()))
	}

	groups = append(groups,
		userNameGroup("tasks.completed_by", params.Mapper),
		userNameGroup("task_review.review_requested_by", params.Owner),
		userNameGroup("task_review.reviewed_by", params.Reviewer),
		userNameGroup("task_review.meta_reviewed_by", params.MetaReviewer))

	return groups
}

// userNameGroup restricts a user-id column to users whose display name
// matches.
func userNameGroup(column, search string) query.FilterGroup {
	if search == "" {
		return query.ConditionalFilterGroup(query.AND, false)
	}
	inner := query.New("SELECT id FROM users",
		query.NewFilter(query.FilterParameter("name", query.ILIKE, "%"+search+"%")))
	return query.NewFilterGroup(query.AND,
		query.SubQueryFilter{Column: column, Inner: inner, Op: query.IN}.AsParameter())
}

// propertyGroups maps property predicates onto the hstore column. The
// exist() form avoids the `?` operator, which collides with driver
// placeholder rebinding.
func propertyGroups(predicates []models.PropertyPredicate) []query.FilterGroup {
	groups := make([]query.FilterGroup, 0, len(predicates))
	for _, pred := range predicates {
		var p query.Parameter
		switch pred.Operation {
		case models.PropertyOpEquals:
			p = query.CustomBound("tasks.properties -> {} = {}", pred.Key, pred.Value)
		case models.PropertyOpNotEqual:
			p = query.CustomBound("tasks.properties -> {} <> {}", pred.Key, pred.Value)
		case models.PropertyOpContains:
			p = query.CustomBound("tasks.properties -> {} LIKE {}", pred.Key, "%"+pred.Value+"%")
		case models.PropertyOpExists:
			p = query.CustomBound("exist(tasks.properties, {})", pred.Key)
		case models.PropertyOpMissing:
			p = query.CustomBound("NOT exist(tasks.properties, {})", pred.Key)
		default:
			continue
		}
		groups = append(groups, query.NewFilterGroup(query.AND, p))
	}
	return groups
}

// tagGroup builds the tag-membership sub-query join.
func tagGroup(column, mappingTable, mappingColumn string, tagNames []string) query.FilterGroup {
	if len(tagNames) == 0 {
		return query.ConditionalFilterGroup(query.AND, false)
	}
	inner := query.New(
		fmt.Sprintf("SELECT %s FROM %s INNER JOIN tags ON tags.id = %s.tag_id", mappingColumn, mappingTable, mappingTable),
		query.NewFilter(query.FilterParameter("tags.name", query.IN, tagNames)))
	return query.NewFilterGroup(query.AND,
		query.SubQueryFilter{Column: column, Inner: inner, Op: query.IN}.AsParameter())
}

// reachableScopeGroup restricts candidates to what the user may see: enabled
// project and challenge, or a managed project, or the user's own completed or
// assigned-review tasks. Superusers bypass the check entirely.
func reachableScopeGroup(user *models.User) query.FilterGroup {
	if user.IsSuperUser {
		return query.ConditionalFilterGroup(query.AND, false)
	}
	params := []query.Parameter{
		query.CustomParameter("(projects.enabled AND challenges.enabled)"),
	}
	managed := managedProjectIDs(user)
	if len(managed) > 0 {
		params = append(params,
			query.Parameter{Column: "id", Table: "projects", Op: query.IN, Value: managed})
	}
	if !user.IsGuest() {
		params = append(params,
			query.NewParameter("tasks.completed_by", user.ID),
			query.NewParameter("task_review.reviewed_by", user.ID))
	}
	return query.NewFilterGroup(query.OR, params...)
}

func managedProjectIDs(user *models.User) []int64 {
	ids := make([]int64, 0, len(user.Grants))
	for _, g := range user.Grants {
		if g.Target.ObjectType == models.TargetTypeProject &&
			(g.Role == models.RoleAdmin || g.Role == models.RoleWrite) {
			ids = append(ids, g.Target.ObjectID)
		}
	}
	return ids
}

// reviewVisibilityGroups applies the review-candidate visibility filter:
//
//	allowed = (project.enabled AND challenge.enabled)
//	        OR userManagesProject OR userIsRequester OR userIsReviewer
//
// plus, for the review-requested set, the requester exclusion and the
// optional other-reviewer exclusion.
func reviewVisibilityGroups(user *models.User, reviewType models.ReviewTasksType, excludeOtherReviewers bool) []query.FilterGroup {
	groups := []query.FilterGroup{}

	if !user.IsSuperUser {
		visibility := []query.Parameter{
			query.CustomParameter("(projects.enabled AND challenges.enabled)"),
			query.NewParameter("task_review.review_requested_by", user.ID),
			query.NewParameter("task_review.reviewed_by", user.ID),
		}
		if managed := managedProjectIDs(user); len(managed) > 0 {
			visibility = append(visibility,
				query.Parameter{Column: "id", Table: "projects", Op: query.IN, Value: managed})
		}
		groups = append(groups, query.NewFilterGroup(query.OR, visibility...))
	}

	switch reviewType {
	case models.ReviewTasksRequested:
		groups = append(groups, query.NewFilterGroup(query.AND,
			query.NewParameter("task_review.review_status", models.ReviewStatusRequested),
			query.Parameter{Column: "review_requested_by", Table: "task_review",
				Op: query.NEQ, Value: user.ID}))
		if excludeOtherReviewers {
			groups = append(groups, query.NewFilterGroup(query.OR,
				query.Parameter{Column: "reviewed_by", Table: "task_review", Op: query.NULL},
				query.NewParameter("task_review.reviewed_by", user.ID)))
		}
	case models.ReviewTasksReviewedBy:
		groups = append(groups, query.NewFilterGroup(query.AND,
			query.NewParameter("task_review.reviewed_by", user.ID)))
	case models.ReviewTasksMyReviewed:
		groups = append(groups, query.NewFilterGroup(query.AND,
			query.NewParameter("task_review.review_requested_by", user.ID)))
	case models.ReviewTasksMetaReview:
		groups = append(groups, query.NewFilterGroup(query.AND,
			query.Parameter{Column: "review_status", Table: "task_review", Op: query.IN,
				Value: []models.ReviewStatus{
					models.ReviewStatusApproved, models.ReviewStatusAssisted,
				}},
			query.Parameter{Column: "meta_review_status", Table: "task_review", Op: query.NULL}))
	}

	return groups
}
